package directory

import (
	"context"
	"sync"
)

// Memory is an in-process Directory. It is the default store when no database
// is configured and the fixture store for tests.
//
// A single mutex serializes invite mutations, which gives AddInvite and
// RemoveInvite the required atomicity for free.
type Memory struct {
	mu            sync.Mutex
	byUsername    map[string]*Identity
	byFingerprint map[string]*Identity
}

func NewMemory() *Memory {
	return &Memory{
		byUsername:    make(map[string]*Identity),
		byFingerprint: make(map[string]*Identity),
	}
}

var _ Directory = (*Memory)(nil)

func (m *Memory) FindByUsername(ctx context.Context, username string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUsername[Normalize(username)]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return cloneIdentity(id), nil
}

func (m *Memory) FindByFingerprint(ctx context.Context, fingerprint string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byFingerprint[fingerprint]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return cloneIdentity(id), nil
}

func (m *Memory) Create(ctx context.Context, identity Identity) error {
	identity.Username = Normalize(identity.Username)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byUsername[identity.Username]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byFingerprint[identity.Fingerprint]; ok {
		return ErrDuplicate
	}

	stored := cloneIdentity(&identity)
	m.byUsername[stored.Username] = &stored
	m.byFingerprint[stored.Fingerprint] = &stored
	return nil
}

func (m *Memory) AddInvite(ctx context.Context, targetUsername string, invite Invite) error {
	invite.Username = Normalize(invite.Username)

	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.byUsername[Normalize(targetUsername)]
	if !ok {
		return ErrNotFound
	}
	for _, pending := range target.PendingInvites {
		if pending.Username == invite.Username {
			return nil
		}
	}
	target.PendingInvites = append(target.PendingInvites, invite)
	return nil
}

func (m *Memory) RemoveInvite(ctx context.Context, targetUsername, inviterUsername string) error {
	inviter := Normalize(inviterUsername)

	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.byUsername[Normalize(targetUsername)]
	if !ok {
		return ErrNotFound
	}
	kept := target.PendingInvites[:0]
	for _, pending := range target.PendingInvites {
		if pending.Username != inviter {
			kept = append(kept, pending)
		}
	}
	target.PendingInvites = kept
	return nil
}

func cloneIdentity(id *Identity) Identity {
	out := *id
	out.PendingInvites = append([]Invite(nil), id.PendingInvites...)
	return out
}
