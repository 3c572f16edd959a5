package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
)

// AccessLevel is the ordered capability a provider holds on a patient's
// records: None < Read < Write < Admin.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelRead
	LevelWrite
	LevelAdmin
)

var levelNames = map[AccessLevel]string{
	LevelNone:  "none",
	LevelRead:  "read",
	LevelWrite: "write",
	LevelAdmin: "admin",
}

func (l AccessLevel) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "none"
}

// ParseLevel converts a string form back to an AccessLevel.
func ParseLevel(s string) (AccessLevel, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown access level %q", s)
}

// Grant authorizes a provider at a level on a patient's records until
// ExpiresAt (nil means unbounded). There is at most one grant per
// (patient, provider) pair; re-granting overwrites.
type Grant struct {
	Patient   identity.ID `json:"patient"`
	Provider  identity.ID `json:"provider"`
	Level     AccessLevel `json:"level"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	GrantedBy identity.ID `json:"granted_by"`
	GrantedAt time.Time   `json:"granted_at"`
}

// EffectiveLevel returns the level the grant confers at the given instant.
// Expired grants and level-none grants are treated as absent.
func (g Grant) EffectiveLevel(now time.Time) AccessLevel {
	if g.Level == LevelNone {
		return LevelNone
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return LevelNone
	}
	return g.Level
}

// PatientAccount is the per-patient authorization table. Accounts are
// created lazily on first grant or record issuance and never deleted,
// only deactivated.
type PatientAccount struct {
	Owner     identity.ID           `json:"owner"`
	Active    bool                  `json:"active"`
	Grants    map[identity.ID]Grant `json:"grants"`
	RecordIDs []uuid.UUID           `json:"record_ids"`
	CreatedAt time.Time             `json:"created_at"`
}

// Clone returns a deep copy so callers can read a consistent snapshot
// without holding store locks.
func (a *PatientAccount) Clone() *PatientAccount {
	cp := *a
	cp.Grants = make(map[identity.ID]Grant, len(a.Grants))
	for k, v := range a.Grants {
		cp.Grants[k] = v
	}
	cp.RecordIDs = append([]uuid.UUID(nil), a.RecordIDs...)
	return &cp
}
