package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/notewire/signal-server/internal/directory"
	"github.com/notewire/signal-server/internal/metrics"
	"github.com/notewire/signal-server/internal/token"
)

const testSecret = "test-secret"

type testEnv struct {
	dir    *directory.Memory
	tokens *token.Service
	srv    *Server
	ts     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := directory.NewMemory()
	ctx := context.Background()
	for _, u := range []string{"alice", "bob", "carol"} {
		if err := dir.Create(ctx, directory.Identity{
			Username:    u,
			Fingerprint: "fp-" + u,
			PublicKey:   "pub-" + u,
		}); err != nil {
			t.Fatalf("create %s: %v", u, err)
		}
	}

	tokens := token.NewService(testSecret, token.Options{})
	srv := NewServer(ServerConfig{
		Directory: dir,
		Tokens:    tokens,
		Metrics:   metrics.New(),
	})

	mux := http.NewServeMux()
	mux.Handle("GET /signal", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{dir: dir, tokens: tokens, srv: srv, ts: ts}
}

func (e *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/signal?" + query
}

// connect dials the signaling endpoint with a freshly minted auth token.
func (e *testEnv) connect(t *testing.T, username, deviceID string) *websocket.Conn {
	t.Helper()

	authToken, err := e.tokens.MintAuthToken(username)
	if err != nil {
		t.Fatalf("mint auth token: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(
		e.wsURL("username="+username+"&deviceId="+deviceID+"&token="+authToken), nil)
	if err != nil {
		t.Fatalf("dial as %s@%s: %v", username, deviceID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	// The session joins its rooms before reading any client message; wait for
	// membership so relayed events cannot race the join.
	e.waitFor(t, func() bool {
		return e.srv.Hub().Members(username+"@"+deviceID) > 0
	}, "session %s@%s never joined its room", username, deviceID)

	return conn
}

func (e *testEnv) waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return event
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected event: %s", data)
	}
}

func TestGateRefusesBadConnections(t *testing.T) {
	e := newTestEnv(t)

	authToken, err := e.tokens.MintAuthToken("alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	cases := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"missing everything", "", http.StatusBadRequest},
		{"missing token", "username=alice&deviceId=phone", http.StatusBadRequest},
		{"missing deviceId", "username=alice&token=" + authToken, http.StatusBadRequest},
		{"missing username", "deviceId=phone&token=" + authToken, http.StatusBadRequest},
		{"garbage token", "username=alice&deviceId=phone&token=junk", http.StatusUnauthorized},
		{"token for another user", "username=bob&deviceId=phone&token=" + authToken, http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(tc.query), nil)
			if err == nil {
				conn.Close()
				t.Fatal("expected the connection to be refused")
			}
			if resp == nil || resp.StatusCode != tc.wantStatus {
				t.Fatalf("status=%v, want %d", resp, tc.wantStatus)
			}
		})
	}

	t.Run("token for an unregistered user", func(t *testing.T) {
		// The token verifies, but no identity backs it.
		ghostToken, err := e.tokens.MintAuthToken("ghost")
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		_, resp, err := websocket.DefaultDialer.Dial(
			e.wsURL("username=ghost&deviceId=phone&token="+ghostToken), nil)
		if err == nil {
			t.Fatal("expected the connection to be refused")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status=%v, want 401", resp)
		}
	})
}

func TestInviteDelivery(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	alice := e.connect(t, "alice", "phone")
	bob := e.connect(t, "bob", "desk")

	send(t, alice, map[string]any{"type": "sendInvite", "username": "bob", "signature": "sig-a"})

	event := readEvent(t, bob)
	if event["type"] != "invite" {
		t.Fatalf("type=%v, want invite", event["type"])
	}
	if event["username"] != "alice" || event["fingerprint"] != "fp-alice" || event["publicKey"] != "pub-alice" {
		t.Fatalf("invite carries wrong identity: %v", event)
	}
	if event["signature"] != "sig-a" {
		t.Fatalf("signature=%v, want sig-a", event["signature"])
	}

	id, err := e.dir.FindByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("lookup bob: %v", err)
	}
	if len(id.PendingInvites) != 1 {
		t.Fatalf("pending=%d, want 1", len(id.PendingInvites))
	}

	// A repeated invite reaches connected devices again but stays single in
	// the pending list.
	send(t, alice, map[string]any{"type": "sendInvite", "username": "bob", "signature": "sig-a"})
	if event := readEvent(t, bob); event["type"] != "invite" {
		t.Fatalf("type=%v, want invite", event["type"])
	}
	id, err = e.dir.FindByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("lookup bob: %v", err)
	}
	if len(id.PendingInvites) != 1 {
		t.Fatalf("pending=%d after duplicate, want 1", len(id.PendingInvites))
	}
}

func TestInviteReachesEveryDeviceOfTarget(t *testing.T) {
	e := newTestEnv(t)

	alice := e.connect(t, "alice", "phone")
	bobDesk := e.connect(t, "bob", "desk")
	bobTab := e.connect(t, "bob", "tab")

	send(t, alice, map[string]any{"type": "sendInvite", "username": "bob", "signature": "s"})

	for _, conn := range []*websocket.Conn{bobDesk, bobTab} {
		if event := readEvent(t, conn); event["type"] != "invite" {
			t.Fatalf("type=%v, want invite", event["type"])
		}
	}
}

func TestSelfInviteIsNoOp(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	alice := e.connect(t, "alice", "phone")

	send(t, alice, map[string]any{"type": "sendInvite", "username": "alice", "signature": "s"})
	// A follow-up offer to our own device proves the no-op was processed.
	send(t, alice, map[string]any{"type": "sendOffer", "username": "alice", "deviceId": "phone"})

	if event := readEvent(t, alice); event["type"] != "offer" {
		t.Fatalf("type=%v, want offer", event["type"])
	}

	id, err := e.dir.FindByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup alice: %v", err)
	}
	if len(id.PendingInvites) != 0 {
		t.Fatalf("pending=%d, want 0 after self-invite", len(id.PendingInvites))
	}
}

func TestRemoveInviteWithdrawsFromTarget(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	alice := e.connect(t, "alice", "phone")

	send(t, alice, map[string]any{"type": "sendInvite", "username": "bob", "signature": "s"})
	e.waitFor(t, func() bool {
		id, err := e.dir.FindByUsername(ctx, "bob")
		return err == nil && len(id.PendingInvites) == 1
	}, "invite never reached bob's pending list")

	send(t, alice, map[string]any{"type": "removeInvite", "username": "bob"})
	e.waitFor(t, func() bool {
		id, err := e.dir.FindByUsername(ctx, "bob")
		return err == nil && len(id.PendingInvites) == 0
	}, "invite was not withdrawn")

	// Removing again is a silent no-op; the connection stays usable.
	send(t, alice, map[string]any{"type": "removeInvite", "username": "bob"})
	send(t, alice, map[string]any{"type": "sendOffer", "username": "alice", "deviceId": "phone"})
	if event := readEvent(t, alice); event["type"] != "offer" {
		t.Fatalf("type=%v, want offer", event["type"])
	}
}

func TestPendingInvitesFlushOnConnect(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	alice := e.connect(t, "alice", "phone")

	// bob is offline; the invite parks in the directory.
	send(t, alice, map[string]any{"type": "sendInvite", "username": "bob", "signature": "queued"})
	e.waitFor(t, func() bool {
		id, err := e.dir.FindByUsername(ctx, "bob")
		return err == nil && len(id.PendingInvites) == 1
	}, "invite never reached bob's pending list")

	bob := e.connect(t, "bob", "desk")
	event := readEvent(t, bob)
	if event["type"] != "invite" || event["signature"] != "queued" {
		t.Fatalf("flushed event=%v, want the queued invite", event)
	}
	// Exactly the pending invites are delivered, nothing else.
	expectNoEvent(t, bob)
}

func TestRequestOffers(t *testing.T) {
	e := newTestEnv(t)

	alice := e.connect(t, "alice", "phone")
	bob := e.connect(t, "bob", "desk")

	// Duplicates in the input produce duplicate multicasts.
	send(t, bob, map[string]any{"type": "requestOffers", "users": []string{"alice", "alice", "carol"}})

	for i := 0; i < 2; i++ {
		event := readEvent(t, alice)
		if event["type"] != "requestOffer" || event["username"] != "bob" || event["deviceId"] != "desk" {
			t.Fatalf("event=%v, want requestOffer from bob@desk", event)
		}
	}
	expectNoEvent(t, alice)
}

func TestSendOfferTargetsSingleDevice(t *testing.T) {
	e := newTestEnv(t)

	alicePhone := e.connect(t, "alice", "phone")
	aliceTab := e.connect(t, "alice", "tab")
	bob := e.connect(t, "bob", "desk")

	send(t, bob, map[string]any{"type": "sendOffer", "username": "alice", "deviceId": "phone"})

	event := readEvent(t, alicePhone)
	if event["type"] != "offer" || event["username"] != "bob" || event["deviceId"] != "desk" {
		t.Fatalf("event=%v, want offer from bob@desk", event)
	}
	expectNoEvent(t, aliceTab)
}

func TestSendSignal(t *testing.T) {
	e := newTestEnv(t)

	alice := e.connect(t, "alice", "phone")
	bob := e.connect(t, "bob", "desk")

	send(t, bob, map[string]any{
		"type":      "sendSignal",
		"signal":    map[string]any{"sdp": "v=0", "kind": "offer"},
		"signature": "sig-b",
		"to":        map[string]any{"username": "alice", "deviceId": "phone"},
	})

	event := readEvent(t, alice)
	if event["type"] != "signal" {
		t.Fatalf("type=%v, want signal", event["type"])
	}
	if event["signature"] != "sig-b" {
		t.Fatalf("signature=%v, want sig-b", event["signature"])
	}
	from, ok := event["from"].(map[string]any)
	if !ok || from["username"] != "bob" || from["deviceId"] != "desk" {
		t.Fatalf("from=%v, want bob@desk", event["from"])
	}
	signal, ok := event["signal"].(map[string]any)
	if !ok || signal["sdp"] != "v=0" {
		t.Fatalf("signal=%v, want the forwarded payload", event["signal"])
	}
}

func TestDisconnectEndsRoomMembership(t *testing.T) {
	e := newTestEnv(t)

	alice := e.connect(t, "alice", "phone")
	_ = e.connect(t, "bob", "desk")

	alice.Close()
	e.waitFor(t, func() bool {
		return e.srv.Hub().Members("alice") == 0 && e.srv.Hub().Members("alice@phone") == 0
	}, "alice's room memberships were not cleaned up")
}
