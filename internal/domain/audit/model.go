package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
)

// Action is the kind of operation being audited.
type Action string

const (
	ActionView            Action = "view"
	ActionCreate          Action = "create"
	ActionUpdate          Action = "update"
	ActionShare           Action = "share"
	ActionGrantAccess     Action = "grant-access"
	ActionRevokeAccess    Action = "revoke-access"
	ActionDeactivate      Action = "deactivate"
	ActionEmergencyAccess Action = "emergency-access"
)

var validActions = map[Action]bool{
	ActionView:            true,
	ActionCreate:          true,
	ActionUpdate:          true,
	ActionShare:           true,
	ActionGrantAccess:     true,
	ActionRevokeAccess:    true,
	ActionDeactivate:      true,
	ActionEmergencyAccess: true,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return validActions[a] }

// Outcome records whether the audited operation was permitted.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
)

// Entry is one link in a patient's audit chain. Sequence starts at 1 and
// PriorHash of the first entry is the patient's genesis digest.
type Entry struct {
	Patient   identity.ID `json:"patient"`
	Sequence  uint64      `json:"sequence"`
	Actor     identity.ID `json:"actor"`
	Action    Action      `json:"action"`
	Outcome   Outcome     `json:"outcome"`
	Reason    string      `json:"reason,omitempty"`
	RecordID  *uuid.UUID  `json:"record_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	PriorHash string      `json:"prior_hash"`
	Hash      string      `json:"hash"`
}

// GenesisDigest anchors a patient's chain. It depends only on the patient
// id, so verification never needs out-of-band state.
func GenesisDigest(patient identity.ID) string {
	sum := sha256.Sum256([]byte("medledger/audit/genesis:" + string(patient)))
	return hex.EncodeToString(sum[:])
}

// ComputeHash derives the entry's digest from every field except Hash
// itself. Any mutation of a stored entry breaks the chain from that point
// forward.
func (e *Entry) ComputeHash() string {
	recordID := ""
	if e.RecordID != nil {
		recordID = e.RecordID.String()
	}
	payload := fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%d|%s",
		e.Patient, e.Sequence, e.Actor, e.Action, e.Outcome, e.Reason,
		recordID, e.Timestamp.UTC().UnixNano(), e.PriorHash)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
