package signaling

import "encoding/json"

// Client-originated operation names.
const (
	opSendInvite    = "sendInvite"
	opRemoveInvite  = "removeInvite"
	opRequestOffers = "requestOffers"
	opSendOffer     = "sendOffer"
	opSendSignal    = "sendSignal"
)

// Server-originated event names.
const (
	eventInvite       = "invite"
	eventRequestOffer = "requestOffer"
	eventOffer        = "offer"
	eventSignal       = "signal"
)

type peerRef struct {
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
}

// clientMessage is the envelope for every client-to-server relay operation.
// Which fields are meaningful depends on Type.
type clientMessage struct {
	Type      string          `json:"type"`
	Username  string          `json:"username,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Users     []string        `json:"users,omitempty"`
	Signal    json.RawMessage `json:"signal,omitempty"`
	To        *peerRef        `json:"to,omitempty"`
}

type inviteEvent struct {
	Type        string `json:"type"`
	Signature   string `json:"signature"`
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
}

type requestOfferEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
}

type offerEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
}

type signalEvent struct {
	Type      string          `json:"type"`
	Signal    json.RawMessage `json:"signal"`
	Signature string          `json:"signature"`
	From      peerRef         `json:"from"`
}

func encodeEvent(v any) []byte {
	payload, _ := json.Marshal(v)
	return payload
}
