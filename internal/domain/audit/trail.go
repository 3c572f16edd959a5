package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/identity"
)

// Trail maintains per-patient hash-chained audit logs. Appends for a
// patient whose chain failed verification are refused until an operator
// calls Resume after out-of-band investigation.
type Trail struct {
	store  Store
	logger zerolog.Logger

	mu     sync.RWMutex
	halted map[identity.ID]string
}

func NewTrail(store Store, logger zerolog.Logger) *Trail {
	return &Trail{
		store:  store,
		logger: logger.With().Str("component", "audit-trail").Logger(),
		halted: make(map[identity.ID]string),
	}
}

// Append links a new entry onto the patient's chain and returns it. The
// caller holds the patient's mutation lock, so Head followed by Append is
// race-free.
func (t *Trail) Append(ctx context.Context, patient, actor identity.ID, action Action, outcome Outcome, reason string, recordID *uuid.UUID, now time.Time) (*Entry, error) {
	if cause, ok := t.haltCause(patient); ok {
		return nil, fmt.Errorf("%w: %s", ErrChainHalted, cause)
	}

	head, err := t.store.Head(ctx, patient)
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}

	e := &Entry{
		Patient:   patient,
		Sequence:  1,
		Actor:     actor,
		Action:    action,
		Outcome:   outcome,
		Reason:    reason,
		RecordID:  recordID,
		Timestamp: now.UTC(),
		PriorHash: GenesisDigest(patient),
	}
	if head != nil {
		e.Sequence = head.Sequence + 1
		e.PriorHash = head.Hash
	}
	e.Hash = e.ComputeHash()

	if err := t.store.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyChain walks the patient's chain from genesis and checks every
// link. On the first broken link it halts the patient's chain and returns
// ErrChainIntegrity with the offending sequence.
func (t *Trail) VerifyChain(ctx context.Context, patient identity.ID) (uint64, error) {
	prior := GenesisDigest(patient)
	var next uint64
	var checked uint64

	for {
		batch, err := t.store.ListAfter(ctx, patient, next, 500)
		if err != nil {
			return checked, fmt.Errorf("walk chain: %w", err)
		}
		if len(batch) == 0 {
			return checked, nil
		}
		for i := range batch {
			e := &batch[i]
			if e.Sequence != next+1 || e.PriorHash != prior || e.Hash != e.ComputeHash() {
				t.halt(patient, e.Sequence)
				return checked, fmt.Errorf("%w: patient %s at sequence %d", ErrChainIntegrity, patient, e.Sequence)
			}
			prior = e.Hash
			next = e.Sequence
			checked++
		}
	}
}

// EntriesSince returns up to limit entries after the given sequence
// cursor, oldest first. A zero cursor starts from the beginning.
func (t *Trail) EntriesSince(ctx context.Context, patient identity.ID, after uint64, limit int) ([]Entry, error) {
	return t.store.ListAfter(ctx, patient, after, limit)
}

// Halted reports whether the patient's chain is refusing appends.
func (t *Trail) Halted(patient identity.ID) bool {
	_, ok := t.haltCause(patient)
	return ok
}

// Resume lifts a halt after the operator has repaired or accepted the
// chain. It re-verifies first and refuses to resume a chain that still
// fails.
func (t *Trail) Resume(ctx context.Context, patient identity.ID) error {
	t.mu.Lock()
	delete(t.halted, patient)
	t.mu.Unlock()

	if _, err := t.VerifyChain(ctx, patient); err != nil {
		return err
	}
	t.logger.Warn().Str("patient", string(patient)).Msg("audit chain resumed")
	return nil
}

func (t *Trail) halt(patient identity.ID, sequence uint64) {
	t.mu.Lock()
	t.halted[patient] = fmt.Sprintf("verification failed at sequence %d", sequence)
	t.mu.Unlock()
	t.logger.Error().
		Str("patient", string(patient)).
		Uint64("sequence", sequence).
		Msg("audit chain halted")
}

func (t *Trail) haltCause(patient identity.ID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cause, ok := t.halted[patient]
	return cause, ok
}
