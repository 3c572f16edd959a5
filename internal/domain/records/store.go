package records

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates an unknown record id.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownPatient indicates ingestion for an unregistered patient
	// while the pre-registration policy is in force.
	ErrUnknownPatient = errors.New("unknown patient")
	// ErrInvalidRecord indicates a malformed ingestion request.
	ErrInvalidRecord = errors.New("invalid record")
)

// Store persists immutable Records keyed by id. There is deliberately no
// update operation; Delete exists only so a submission whose audit entry
// could not be committed can be unwound.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
