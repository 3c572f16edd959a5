package records

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
)

// Service creates and resolves immutable Records. Account bookkeeping
// (the patient's ordered record list) is owned by the engine, which calls
// Ingest under the patient's mutation lock.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Ingest creates a new immutable Record and returns it. The content hash
// must already exist in the content-addressed store; the index never sees
// raw payloads.
func (s *Service) Ingest(ctx context.Context, patient, issuer identity.ID, contentHash string, recordType RecordType, supersedes *uuid.UUID, now time.Time) (*Record, error) {
	if contentHash == "" {
		return nil, fmt.Errorf("%w: content hash is required", ErrInvalidRecord)
	}
	if !recordType.Valid() {
		return nil, fmt.Errorf("%w: unknown record type %q", ErrInvalidRecord, recordType)
	}
	if supersedes != nil {
		if _, err := s.store.Get(ctx, *supersedes); err != nil {
			return nil, fmt.Errorf("supersedes target: %w", err)
		}
	}

	r := &Record{
		ID:          uuid.New(),
		Patient:     patient,
		Issuer:      issuer,
		ContentHash: contentHash,
		Type:        recordType,
		Supersedes:  supersedes,
		CreatedAt:   now.UTC(),
	}
	if err := s.store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}
	return r, nil
}

// Get returns the Record for id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.store.Get(ctx, id)
}

// Discard removes a record whose submission could not be completed.
// Records visible through a committed audit entry are never removed.
func (s *Service) Discard(ctx context.Context, id uuid.UUID) error {
	return s.store.Delete(ctx, id)
}
