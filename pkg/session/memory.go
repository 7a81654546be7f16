package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/vice/pkg/chat"
)

type memoryEntry struct {
	session chat.Session
	pending []chat.Event
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Create(ctx context.Context, s *chat.Session) error {
	if s == nil || s.ID == "" {
		return chat.Errorf(chat.CodeInvalidInput, "session id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return chat.Errorf(chat.CodeInvalidInput, "session %s already exists", s.ID)
	}
	m.sessions[s.ID] = &memoryEntry{session: *clone(s)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return clone(&e.session), nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	return touch(&e.session, at)
}

func (m *MemoryStore) Expire(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	expire(&e.session, at)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*chat.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, clone(&e.session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PushPending(ctx context.Context, id string, ev chat.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	e.pending = append(e.pending, ev)
	return nil
}

func (m *MemoryStore) DrainPending(ctx context.Context, id string) ([]chat.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	out := e.pending
	e.pending = nil
	return out, nil
}

func (m *MemoryStore) PendingCount(ctx context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return 0, notFound(id)
	}
	return len(e.pending), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
