package signaling

import "sync"

// Hub is the room registry: named multicast groups whose membership is the
// set of currently connected sessions. It performs no buffering or
// transformation; delivery is best-effort to whoever is present right now.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Session]struct{})}
}

func (h *Hub) Join(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) Leave(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish enqueues payload to every member of room and returns how many
// sessions accepted it. An empty room drops the message silently.
func (h *Hub) Publish(room string, payload []byte) int {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		if s.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// Members returns the current size of a room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
