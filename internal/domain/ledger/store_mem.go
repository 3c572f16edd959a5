package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
)

// MemStore is a thread-safe, in-memory Store suitable for single-node
// deployments and tests. Readers get deep-copied snapshots.
type MemStore struct {
	mu       sync.RWMutex
	accounts map[identity.ID]*PatientAccount
	now      func() time.Time
}

// NewMemStore returns a ready-to-use MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[identity.ID]*PatientAccount),
		now:      time.Now,
	}
}

// NewMemStoreWithClock returns a MemStore with an injected clock for tests.
func NewMemStoreWithClock(now func() time.Time) *MemStore {
	s := NewMemStore()
	s.now = now
	return s
}

func (s *MemStore) Get(_ context.Context, patient identity.ID) (*PatientAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[patient]
	if !ok {
		return nil, ErrNoAccount
	}
	return acct.Clone(), nil
}

func (s *MemStore) Ensure(_ context.Context, patient identity.ID) (*PatientAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[patient]
	if !ok {
		acct = &PatientAccount{
			Owner:     patient,
			Active:    true,
			Grants:    make(map[identity.ID]Grant),
			CreatedAt: s.now().UTC(),
		}
		s.accounts[patient] = acct
	}
	return acct.Clone(), nil
}

func (s *MemStore) PutGrant(_ context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[g.Patient]
	if !ok {
		return ErrNoAccount
	}
	if g.Level == LevelNone {
		delete(acct.Grants, g.Provider)
		return nil
	}
	acct.Grants[g.Provider] = g
	return nil
}

func (s *MemStore) AppendRecord(_ context.Context, patient identity.ID, recordID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[patient]
	if !ok {
		return ErrNoAccount
	}
	acct.RecordIDs = append(acct.RecordIDs, recordID)
	return nil
}

func (s *MemStore) RemoveRecord(_ context.Context, patient identity.ID, recordID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[patient]
	if !ok {
		return ErrNoAccount
	}
	for i, id := range acct.RecordIDs {
		if id == recordID {
			acct.RecordIDs = append(acct.RecordIDs[:i], acct.RecordIDs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemStore) SetActive(_ context.Context, patient identity.ID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[patient]
	if !ok {
		return ErrNoAccount
	}
	acct.Active = active
	return nil
}
