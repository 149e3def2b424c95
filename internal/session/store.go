package session

import (
	"context"
	"sync"
	"time"
)

// Store holds live call sessions. Update applies fn atomically against the
// stored record; callers only ever see clones.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, callID string) (*Session, error)
	Update(ctx context.Context, callID string, fn func(*Session) error) (*Session, error)
	Active(ctx context.Context) (int, error)
}

// MemoryStore keeps sessions in a map. Terminal sessions older than the
// retention window are dropped by Prune.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.CallID]; ok {
		return ErrExists
	}
	m.sessions[s.CallID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, callID string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	work := s.Clone()
	if err := fn(work); err != nil {
		return s.Clone(), err
	}
	m.sessions[callID] = work
	return work.Clone(), nil
}

func (m *MemoryStore) Active(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if !s.Terminal() {
			n++
		}
	}
	return n, nil
}

// Prune removes terminal sessions last updated before cutoff.
func (m *MemoryStore) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
