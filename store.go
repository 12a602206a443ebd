package paygate

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for single-instance deployments.
// Session state is process-lifetime only; substitute a Store backed by a
// shared database when durability across restarts is required.
//
// A global mutex guards the maps themselves, while a per-id mutex serializes
// updates to one session so concurrent updates to different ids proceed in
// parallel with no lost writes.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
	order    []string
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Insert persists a new session. Fails with ErrDuplicateID when taken.
func (s *MemoryStore) Insert(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrDuplicateID
	}

	s.sessions[session.ID] = session.Clone()
	s.locks[session.ID] = &sync.Mutex{}
	s.order = append(s.order, session.ID)
	return nil
}

// Get returns a copy of the session or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// Update applies mutate to a deep copy of the current record and persists the
// result, returning the updated session. Concurrent updates to the same id
// are serialized by a per-id mutex.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	s.mu.RLock()
	lock, exists := s.locks[id]
	s.mu.RUnlock()
	if !exists {
		return nil, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.sessions[id]
	s.mu.RUnlock()
	if current == nil {
		return nil, ErrNotFound
	}

	updated := current.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[id] = updated
	s.mu.Unlock()

	return updated.Clone(), nil
}

// List returns all sessions ordered by creation time.
func (s *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.order))
	for _, id := range s.order {
		if session, exists := s.sessions[id]; exists {
			sessions = append(sessions, session.Clone())
		}
	}
	return sessions, nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
