package audit

import (
	"context"
	"sync"

	"github.com/medledger/medledger/internal/domain/identity"
)

// MemStore is a thread-safe, in-memory Store keeping each patient's chain
// as an ordered slice.
type MemStore struct {
	mu     sync.RWMutex
	chains map[identity.ID][]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{chains: make(map[identity.ID][]Entry)}
}

func (s *MemStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[e.Patient]
	if uint64(len(chain))+1 != e.Sequence {
		return ErrSequenceConflict
	}
	s.chains[e.Patient] = append(chain, *e)
	return nil
}

func (s *MemStore) Head(_ context.Context, patient identity.ID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[patient]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := chain[len(chain)-1]
	return &cp, nil
}

func (s *MemStore) ListAfter(_ context.Context, patient identity.ID, after uint64, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[patient]
	var out []Entry
	for _, e := range chain {
		if e.Sequence <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Tamper rewrites the stored entry at the given sequence. Test helper for
// exercising chain verification; never called by production code.
func (s *MemStore) Tamper(patient identity.ID, sequence uint64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[patient]
	for i := range chain {
		if chain[i].Sequence == sequence {
			mutate(&chain[i])
			return true
		}
	}
	return false
}
