// Package signaling relays WebRTC handshake traffic between authenticated
// devices.
//
// Every connected device is a member of exactly two rooms: one named after
// the user (all of that user's devices) and one named after user@deviceId
// (that single device). Relay delivery is fire-and-forget: messages sent to
// rooms with no current members are dropped, which is why pending invites are
// flushed to a device when it (re)connects.
package signaling
