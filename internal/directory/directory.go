// Package directory stores registered identities and their pending invites.
//
// Usernames are normalized to lowercase on every write and lookup. AddInvite
// and RemoveInvite MUST be atomic and idempotent: concurrent invites to the
// same identity must never lose an update, and repeating either call is a
// no-op.
package directory

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by lookups when no identity matches.
	ErrNotFound = errors.New("identity not found")

	// ErrDuplicate is returned by Create when the username or fingerprint is
	// already registered.
	ErrDuplicate = errors.New("identity already exists")
)

// Identity is a registered user's public-key-backed account record.
//
// PendingInvites is private state: it never leaves the directory boundary
// except to the owning user's own signaling session.
type Identity struct {
	Username       string
	Fingerprint    string
	PublicKey      string
	PendingInvites []Invite
}

// PublicIdentity is the subset of an identity that may be shared with other
// users.
type PublicIdentity struct {
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
}

func (id Identity) Public() PublicIdentity {
	return PublicIdentity{
		Username:    id.Username,
		Fingerprint: id.Fingerprint,
		PublicKey:   id.PublicKey,
	}
}

// Invite is a pending peering offer, identified by the inviter's username
// within the target identity's pending list.
type Invite struct {
	Signature   string `json:"signature"`
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
}

// Directory is the identity store.
type Directory interface {
	FindByUsername(ctx context.Context, username string) (Identity, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (Identity, error)
	Create(ctx context.Context, identity Identity) error

	// AddInvite appends invite to the target's pending list unless an invite
	// from the same inviter is already pending.
	AddInvite(ctx context.Context, targetUsername string, invite Invite) error

	// RemoveInvite removes the inviter's pending invite from the target's
	// list. Removing an absent invite is a silent no-op.
	RemoveInvite(ctx context.Context, targetUsername, inviterUsername string) error
}

// Normalize lowercases and trims a username the way every directory operation
// does.
func Normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
