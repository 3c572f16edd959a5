package emergency

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledger"
)

var (
	// ErrCredentialRejected indicates the verifier refused the presented
	// clinician credential.
	ErrCredentialRejected = errors.New("emergency credential rejected")
	// ErrVerificationTimeout indicates the verifier did not answer within
	// the configured deadline. The session is NOT activated.
	ErrVerificationTimeout = errors.New("credential verification timed out")
	// ErrAlreadyActive indicates the clinician already holds an active
	// session for the patient.
	ErrAlreadyActive = errors.New("emergency session already active")
	// ErrNoSession indicates an unknown session id.
	ErrNoSession = errors.New("emergency session not found")
	// ErrNotActive indicates a state transition attempted on a session
	// that is not active.
	ErrNotActive = errors.New("emergency session not active")
	// ErrReasonRequired indicates a request without a justification.
	ErrReasonRequired = errors.New("emergency access reason is required")
)

// State is the lifecycle position of an emergency session.
//
//	Requested -> Verified -> Active -> Expired
//	                              \-> Revoked
//
// Requested and Verified are transient; only Active sessions confer
// access, and they decay to Expired when the TTL elapses.
type State string

const (
	StateRequested State = "requested"
	StateVerified  State = "verified"
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateRevoked   State = "revoked"
)

// Session is one time-boxed emergency override for a single clinician
// against a single patient. Its level is capped by policy and never
// reaches Admin.
type Session struct {
	ID          uuid.UUID          `json:"id"`
	Patient     identity.ID        `json:"patient"`
	Clinician   identity.ID        `json:"clinician"`
	Reason      string             `json:"reason"`
	Level       ledger.AccessLevel `json:"level"`
	State       State              `json:"state"`
	RequestedAt time.Time          `json:"requested_at"`
	ActivatedAt time.Time          `json:"activated_at,omitempty"`
	ExpiresAt   time.Time          `json:"expires_at,omitempty"`
	RevokedAt   *time.Time         `json:"revoked_at,omitempty"`
	RevokedBy   identity.ID        `json:"revoked_by,omitempty"`
}

// ActiveAt reports whether the session confers access at the given time.
func (s *Session) ActiveAt(now time.Time) bool {
	return s.State == StateActive && now.Before(s.ExpiresAt)
}
