package records

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemStore is a thread-safe, in-memory Store. Entries are immutable, so
// reads return copies and need no further coordination.
type MemStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[uuid.UUID]Record)}
}

func (s *MemStore) Put(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = *r
	return nil
}

func (s *MemStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}
