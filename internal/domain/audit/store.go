package audit

import (
	"context"
	"errors"

	"github.com/medledger/medledger/internal/domain/identity"
)

var (
	// ErrChainIntegrity indicates a verification failure in a patient's
	// audit chain. The trail refuses further appends for that patient
	// until an operator resumes it.
	ErrChainIntegrity = errors.New("audit chain integrity violation")
	// ErrChainHalted indicates an append attempted against a halted chain.
	ErrChainHalted = errors.New("audit chain halted")
	// ErrSequenceConflict indicates a concurrent append raced on the same
	// patient chain. The engine's per-patient lock makes this unreachable
	// in normal operation.
	ErrSequenceConflict = errors.New("audit sequence conflict")
)

// Store persists audit entries. Append must reject an entry whose
// (patient, sequence) already exists.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Head returns the latest entry for the patient, or nil when the
	// chain is empty.
	Head(ctx context.Context, patient identity.ID) (*Entry, error)
	// ListAfter returns up to limit entries with sequence > after, in
	// ascending sequence order.
	ListAfter(ctx context.Context, patient identity.ID, after uint64, limit int) ([]Entry, error)
}
