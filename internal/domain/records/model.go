package records

import (
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
)

// RecordType is the closed set of record kinds the index accepts. New kinds
// are added here, not dispatched dynamically.
type RecordType string

const (
	TypeClinicalNote RecordType = "clinical-note"
	TypeLabResult    RecordType = "lab-result"
	TypeImaging      RecordType = "imaging"
	TypePrescription RecordType = "prescription"
	TypeImmunization RecordType = "immunization"
	TypeConsentForm  RecordType = "consent-form"
)

var validRecordTypes = map[RecordType]bool{
	TypeClinicalNote: true,
	TypeLabResult:    true,
	TypeImaging:      true,
	TypePrescription: true,
	TypeImmunization: true,
	TypeConsentForm:  true,
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool { return validRecordTypes[t] }

// Record binds a patient's off-chain payload to its content hash. Records
// are immutable once created; a correction is a new Record carrying a
// Supersedes link, never an in-place edit.
type Record struct {
	ID          uuid.UUID   `json:"id"`
	Patient     identity.ID `json:"patient"`
	Issuer      identity.ID `json:"issuer"`
	ContentHash string      `json:"content_hash"`
	Type        RecordType  `json:"type"`
	Supersedes  *uuid.UUID  `json:"supersedes,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
