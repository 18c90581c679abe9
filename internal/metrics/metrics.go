// Package metrics is a minimal concurrency-safe counter registry with a
// Prometheus text-format handler.
package metrics

import "sync"

// Counter names used across the server.
const (
	ConnectionsOpened  = "signal_connections_opened"
	ConnectionsClosed  = "signal_connections_closed"
	ConnectionsRefused = "signal_connections_refused"
	AuthSucceeded      = "auth_succeeded"
	AuthFailed         = "auth_failed"
	InvitesRelayed     = "invites_relayed"
	InvitesFlushed     = "invites_flushed"
	OffersRelayed      = "offers_relayed"
	OfferRequestsSent  = "offer_requests_sent"
	SignalsRelayed     = "signals_relayed"
	MessagesDropped    = "messages_dropped"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
