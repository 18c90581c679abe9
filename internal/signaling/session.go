package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/notewire/signal-server/internal/directory"
	"github.com/notewire/signal-server/internal/metrics"
	"github.com/notewire/signal-server/internal/ratelimit"
)

const sessionWriteWait = 5 * time.Second

// Session is the per-connection state machine. It is bound to one
// (user, device) pair for its whole lifetime: joined to both of its rooms on
// start, removed from them deterministically on close.
type Session struct {
	hub *Hub
	dir directory.Directory
	log *slog.Logger
	met *metrics.Metrics

	identity directory.Identity
	deviceID string

	conn    *websocket.Conn
	send    chan []byte
	limiter *ratelimit.TokenBucket

	maxMessageBytes int64

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func newSession(srv *Server, conn *websocket.Conn, identity directory.Identity, deviceID string) *Session {
	return &Session{
		hub:             srv.hub,
		dir:             srv.dir,
		log:             srv.log,
		met:             srv.met,
		identity:        identity,
		deviceID:        deviceID,
		conn:            conn,
		send:            make(chan []byte, srv.sendBuffer),
		limiter:         ratelimit.NewTokenBucket(nil, srv.messagesPerSecond, srv.messagesPerSecond),
		maxMessageBytes: srv.maxMessageBytes,
		done:            make(chan struct{}),
	}
}

func (s *Session) username() string {
	return s.identity.Username
}

// deviceRoom is the unicast room addressing exactly this device.
func (s *Session) deviceRoom() string {
	return s.identity.Username + "@" + s.deviceID
}

// run owns the connection until disconnect. Messages from one connection are
// handled in arrival order; nothing here blocks other connections.
func (s *Session) run(ctx context.Context) {
	defer s.close()

	go s.writeLoop()

	s.hub.Join(s.username(), s)
	s.hub.Join(s.deviceRoom(), s)

	s.flushPendingInvites()

	s.conn.SetReadLimit(s.maxMessageBytes)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.limiter.Allow(1) {
			s.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		s.dispatch(ctx, data)
	}
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("malformed client message", "room", s.deviceRoom(), "err", err)
		return
	}

	switch msg.Type {
	case opSendInvite:
		s.sendInvite(ctx, msg)
	case opRemoveInvite:
		s.removeInvite(ctx, msg)
	case opRequestOffers:
		s.requestOffers(msg)
	case opSendOffer:
		s.sendOffer(msg)
	case opSendSignal:
		s.sendSignal(msg)
	default:
		s.log.Debug("unknown client message type", "type", msg.Type, "room", s.deviceRoom())
	}
}

// flushPendingInvites re-delivers every invite that queued up while this
// device was offline, to this device's own room only.
func (s *Session) flushPendingInvites() {
	for _, inv := range s.identity.PendingInvites {
		s.hub.Publish(s.deviceRoom(), encodeEvent(inviteEvent{
			Type:        eventInvite,
			Signature:   inv.Signature,
			Username:    inv.Username,
			Fingerprint: inv.Fingerprint,
			PublicKey:   inv.PublicKey,
		}))
		s.met.Inc(metrics.InvitesFlushed)
	}
}

// sendInvite queues an invite on the target identity and announces it to
// every connected device of the target. Inviting yourself is a no-op that
// never touches the directory.
func (s *Session) sendInvite(ctx context.Context, msg clientMessage) {
	target := directory.Normalize(msg.Username)
	if target == "" || target == s.username() {
		return
	}

	invite := directory.Invite{
		Signature:   msg.Signature,
		Username:    s.identity.Username,
		Fingerprint: s.identity.Fingerprint,
		PublicKey:   s.identity.PublicKey,
	}
	if err := s.dir.AddInvite(ctx, target, invite); err != nil {
		// A directory hiccup must not take down a live connection.
		s.log.Error("add invite failed", "from", s.username(), "to", target, "err", err)
		return
	}
	if s.closed.Load() {
		return
	}

	s.hub.Publish(target, encodeEvent(inviteEvent{
		Type:        eventInvite,
		Signature:   invite.Signature,
		Username:    invite.Username,
		Fingerprint: invite.Fingerprint,
		PublicKey:   invite.PublicKey,
	}))
	s.met.Inc(metrics.InvitesRelayed)
}

// removeInvite withdraws this user's pending invite from the target's list.
// Removing an invite that does not exist is a silent no-op.
func (s *Session) removeInvite(ctx context.Context, msg clientMessage) {
	target := directory.Normalize(msg.Username)
	if target == "" {
		return
	}
	if err := s.dir.RemoveInvite(ctx, target, s.username()); err != nil {
		s.log.Error("remove invite failed", "from", s.username(), "target", target, "err", err)
	}
}

// requestOffers asks every device of each listed user for a connection offer.
// The input list is relayed as-is; duplicates produce duplicate multicasts.
func (s *Session) requestOffers(msg clientMessage) {
	for _, user := range msg.Users {
		room := directory.Normalize(user)
		if room == "" {
			continue
		}
		s.hub.Publish(room, encodeEvent(requestOfferEvent{
			Type:     eventRequestOffer,
			Username: s.username(),
			DeviceID: s.deviceID,
		}))
		s.met.Inc(metrics.OfferRequestsSent)
	}
}

// sendOffer delivers a connection offer to exactly one device.
func (s *Session) sendOffer(msg clientMessage) {
	target := directory.Normalize(msg.Username)
	if target == "" || msg.DeviceID == "" {
		return
	}
	s.hub.Publish(target+"@"+msg.DeviceID, encodeEvent(offerEvent{
		Type:     eventOffer,
		Username: s.username(),
		DeviceID: s.deviceID,
	}))
	s.met.Inc(metrics.OffersRelayed)
}

// sendSignal forwards ICE/session-description data to exactly one device.
func (s *Session) sendSignal(msg clientMessage) {
	if msg.To == nil {
		return
	}
	target := directory.Normalize(msg.To.Username)
	if target == "" || msg.To.DeviceID == "" {
		return
	}
	s.hub.Publish(target+"@"+msg.To.DeviceID, encodeEvent(signalEvent{
		Type:      eventSignal,
		Signal:    msg.Signal,
		Signature: msg.Signature,
		From:      peerRef{Username: s.username(), DeviceID: s.deviceID},
	}))
	s.met.Inc(metrics.SignalsRelayed)
}

// enqueue hands payload to the session's writer. It never blocks: a slow
// consumer loses messages instead of stalling the hub.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.met.Inc(metrics.MessagesDropped)
		return false
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeClose(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(sessionWriteWait))
}

// close ends both room memberships explicitly. After close, no relay
// operation for this session emits anything.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.hub.Leave(s.username(), s)
		s.hub.Leave(s.deviceRoom(), s)
		close(s.done)
		_ = s.conn.Close()
		s.met.Inc(metrics.ConnectionsClosed)
		s.log.Info("disconnected", "room", s.deviceRoom())
	})
}
