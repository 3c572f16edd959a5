package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
)

var (
	// ErrNoAccount indicates no PatientAccount exists for the address.
	ErrNoAccount = errors.New("patient account not found")
	// ErrUnauthorized indicates the requester lacks the required level.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidExpiry indicates a grant expiry in the past.
	ErrInvalidExpiry = errors.New("grant expiry is in the past")
	// ErrAccountInactive indicates the account has been deactivated.
	ErrAccountInactive = errors.New("patient account is deactivated")
)

// Store persists PatientAccounts. Reads must return consistent snapshots;
// writes are serialized per patient by the engine, so implementations only
// need to be safe for concurrent use, not to re-check authorization.
type Store interface {
	// Get returns a snapshot of the account, or ErrNoAccount.
	Get(ctx context.Context, patient identity.ID) (*PatientAccount, error)
	// Ensure returns the account, creating an active one if absent.
	Ensure(ctx context.Context, patient identity.ID) (*PatientAccount, error)
	// PutGrant sets or overwrites the (patient, provider) grant. A grant
	// at level None removes the stored grant entirely.
	PutGrant(ctx context.Context, g Grant) error
	// AppendRecord appends a record reference to the patient's ordered list.
	AppendRecord(ctx context.Context, patient identity.ID, recordID uuid.UUID) error
	// RemoveRecord drops a record reference. Only used to unwind a
	// submission whose audit entry could not be committed.
	RemoveRecord(ctx context.Context, patient identity.ID, recordID uuid.UUID) error
	// SetActive toggles account deactivation.
	SetActive(ctx context.Context, patient identity.ID, active bool) error
}
