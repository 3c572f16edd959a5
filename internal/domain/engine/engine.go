// Package engine is the single write path for the access ledger and the
// audit trail. Every mutation runs under the patient's mutation lock, and
// every decision, allowed or denied, leaves an audit entry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/emergency"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/internal/platform/notification"
)

// ErrAccessDenied is returned for any authorization failure. The denial is
// also recorded on the patient's audit chain before it surfaces.
var ErrAccessDenied = errors.New("access denied")

// requiredLevel maps each audited action to the minimum access level that
// permits it.
var requiredLevel = map[audit.Action]ledger.AccessLevel{
	audit.ActionView:         ledger.LevelRead,
	audit.ActionCreate:       ledger.LevelWrite,
	audit.ActionUpdate:       ledger.LevelWrite,
	audit.ActionShare:        ledger.LevelAdmin,
	audit.ActionGrantAccess:  ledger.LevelAdmin,
	audit.ActionRevokeAccess: ledger.LevelAdmin,
	audit.ActionDeactivate:   ledger.LevelAdmin,
}

// Config carries the engine's policy knobs.
type Config struct {
	// RequireRegistration refuses record ingestion for patients without
	// an existing account instead of creating one lazily.
	RequireRegistration bool
	// Tx runs each mutation together with its audit append. Nil means
	// direct execution; the engine then unwinds the mutation itself when
	// the append fails.
	Tx TxRunner
}

// TxRunner executes fn atomically. The Postgres stores join the
// transaction through the context (db.WithTx).
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Engine coordinates the ledger, record index, audit trail, and emergency
// controller. External I/O (blob storage, credential verification,
// notification delivery) stays outside the per-patient lock.
type Engine struct {
	cfg       Config
	ledger    *ledger.Service
	accounts  ledger.Store
	records   *records.Service
	trail     *audit.Trail
	emergency *emergency.Controller
	blobs     blobstore.Store
	notifier  notification.Notifier
	logger    zerolog.Logger
	nowFn     func() time.Time
	locks     *patientLocks
	tx        TxRunner
}

func New(cfg Config, ledgerSvc *ledger.Service, accounts ledger.Store, recordsSvc *records.Service, trail *audit.Trail, emergencyCtl *emergency.Controller, blobs blobstore.Store, notifier notification.Notifier, logger zerolog.Logger) *Engine {
	tx := cfg.Tx
	if tx == nil {
		tx = passthroughTx{}
	}
	return &Engine{
		cfg:       cfg,
		tx:        tx,
		ledger:    ledgerSvc,
		accounts:  accounts,
		records:   recordsSvc,
		trail:     trail,
		emergency: emergencyCtl,
		blobs:     blobs,
		notifier:  notifier,
		logger:    logger.With().Str("component", "engine").Logger(),
		nowFn:     time.Now,
		locks:     newPatientLocks(),
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(nowFn func() time.Time) { e.nowFn = nowFn }

// effectiveLevel resolves what the actor may do on the patient's data at
// the given instant: the owner holds implicit Admin, an active emergency
// session confers its override level, and otherwise the ledger decides.
func (e *Engine) effectiveLevel(ctx context.Context, patient, actor identity.ID, now time.Time) (ledger.AccessLevel, error) {
	if actor == patient {
		return ledger.LevelAdmin, nil
	}
	level, err := e.ledger.Evaluate(ctx, patient, actor, now)
	if err != nil {
		return ledger.LevelNone, err
	}
	if override := e.emergency.Override(patient, actor); override > level {
		level = override
	}
	return level, nil
}

// SubmitRecord stores the payload in the content-addressed store, then
// appends a new immutable record to the patient's index. A non-nil
// supersedes marks the submission as a correction.
func (e *Engine) SubmitRecord(ctx context.Context, actor, patient identity.ID, payload []byte, recordType records.RecordType, supersedes *uuid.UUID) (*records.Record, error) {
	// Blob upload happens before the lock; an orphaned blob on a later
	// denial is harmless because the store is content-addressed.
	contentHash, err := e.blobs.Put(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("store payload: %w", err)
	}

	action := audit.ActionCreate
	if supersedes != nil {
		action = audit.ActionUpdate
	}

	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	if e.trail.Halted(patient) {
		return nil, audit.ErrChainHalted
	}

	acct, err := e.accounts.Get(ctx, patient)
	switch {
	case err == nil:
		if !acct.Active {
			return nil, ledger.ErrAccountInactive
		}
	case errors.Is(err, ledger.ErrNoAccount):
		if e.cfg.RequireRegistration {
			return nil, records.ErrUnknownPatient
		}
	default:
		return nil, fmt.Errorf("load account: %w", err)
	}

	level, err := e.effectiveLevel(ctx, patient, actor, now)
	if err != nil {
		return nil, err
	}
	if level < requiredLevel[action] {
		return nil, e.deny(ctx, patient, actor, action, "insufficient access level "+level.String(), nil, now)
	}

	// The index write and its audit entry commit or unwind together.
	var rec *records.Record
	err = e.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := e.accounts.Ensure(ctx, patient); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		r, err := e.records.Ingest(ctx, patient, actor, contentHash, recordType, supersedes, now)
		if err != nil {
			return err
		}
		if err := e.accounts.AppendRecord(ctx, patient, r.ID); err != nil {
			e.unwindRecord(ctx, patient, r.ID, false)
			return fmt.Errorf("append record ref: %w", err)
		}
		if _, err := e.trail.Append(ctx, patient, actor, action, audit.OutcomeAllowed, "", &r.ID, now); err != nil {
			e.unwindRecord(ctx, patient, r.ID, true)
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify(notification.Event{
		Type:     notification.EventRecordAdded,
		Patient:  patient,
		Actor:    actor,
		RecordID: &rec.ID,
		At:       now,
	})
	return rec, nil
}

// GetRecord returns the record if the actor holds at least Read on the
// owning patient. Both outcomes are audited as View.
func (e *Engine) GetRecord(ctx context.Context, actor identity.ID, recordID uuid.UUID) (*records.Record, error) {
	rec, err := e.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	patient := rec.Patient

	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	if e.trail.Halted(patient) {
		return nil, audit.ErrChainHalted
	}
	level, err := e.effectiveLevel(ctx, patient, actor, now)
	if err != nil {
		return nil, err
	}
	if level < requiredLevel[audit.ActionView] {
		return nil, e.deny(ctx, patient, actor, audit.ActionView, "insufficient access level "+level.String(), &recordID, now)
	}
	if _, err := e.trail.Append(ctx, patient, actor, audit.ActionView, audit.OutcomeAllowed, "", &recordID, now); err != nil {
		return nil, err
	}
	return rec, nil
}

// FetchPayload returns the raw payload for a content hash. Authorization
// was already established by GetRecord; the blob store is addressed by
// hash alone.
func (e *Engine) FetchPayload(ctx context.Context, contentHash string) ([]byte, error) {
	return e.blobs.Fetch(ctx, contentHash)
}

// GrantAccess sets or overwrites the provider's grant on the patient's
// account. When a non-owner with Admin delegates onward, the entry is
// audited as Share.
func (e *Engine) GrantAccess(ctx context.Context, actor, patient, provider identity.ID, level ledger.AccessLevel, expiresAt *time.Time) (ledger.Grant, error) {
	action := audit.ActionGrantAccess
	if actor != patient {
		action = audit.ActionShare
	}

	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	if e.trail.Halted(patient) {
		return ledger.Grant{}, audit.ErrChainHalted
	}
	effective, err := e.effectiveLevel(ctx, patient, actor, now)
	if err != nil {
		return ledger.Grant{}, err
	}
	if effective < requiredLevel[action] {
		return ledger.Grant{}, e.deny(ctx, patient, actor, action, "insufficient access level "+effective.String(), nil, now)
	}

	var g ledger.Grant
	err = e.tx.RunInTx(ctx, func(ctx context.Context) error {
		prior := e.priorGrant(ctx, patient, provider)
		gg, err := e.ledger.Grant(ctx, patient, provider, level, expiresAt, actor, now)
		if err != nil {
			return err
		}
		if _, err := e.trail.Append(ctx, patient, actor, action, audit.OutcomeAllowed, "granted "+level.String()+" to "+string(provider), nil, now); err != nil {
			e.restoreGrant(ctx, patient, provider, prior)
			return err
		}
		g = gg
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			return ledger.Grant{}, e.deny(ctx, patient, actor, action, "ledger refused grant", nil, now)
		}
		return ledger.Grant{}, err
	}

	e.notify(notification.Event{
		Type:    notification.EventAccessGranted,
		Patient: patient,
		Actor:   actor,
		Detail:  string(provider) + ":" + level.String(),
		At:      now,
	})
	return g, nil
}

// RevokeAccess sets the provider's grant to None. Revoking an absent
// grant succeeds and is still audited.
func (e *Engine) RevokeAccess(ctx context.Context, actor, patient, provider identity.ID) error {
	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	if e.trail.Halted(patient) {
		return audit.ErrChainHalted
	}
	effective, err := e.effectiveLevel(ctx, patient, actor, now)
	if err != nil {
		return err
	}
	if effective < requiredLevel[audit.ActionRevokeAccess] {
		return e.deny(ctx, patient, actor, audit.ActionRevokeAccess, "insufficient access level "+effective.String(), nil, now)
	}

	err = e.tx.RunInTx(ctx, func(ctx context.Context) error {
		prior := e.priorGrant(ctx, patient, provider)
		if err := e.ledger.Revoke(ctx, patient, provider, actor, now); err != nil {
			return err
		}
		if _, err := e.trail.Append(ctx, patient, actor, audit.ActionRevokeAccess, audit.OutcomeAllowed, "revoked "+string(provider), nil, now); err != nil {
			e.restoreGrant(ctx, patient, provider, prior)
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnauthorized) {
			return e.deny(ctx, patient, actor, audit.ActionRevokeAccess, "ledger refused revoke", nil, now)
		}
		return err
	}

	e.notify(notification.Event{
		Type:    notification.EventAccessRevoked,
		Patient: patient,
		Actor:   actor,
		Detail:  string(provider),
		At:      now,
	})
	return nil
}

// DeactivateAccount marks the patient's account inactive. Owner only.
func (e *Engine) DeactivateAccount(ctx context.Context, actor, patient identity.ID) error {
	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	if e.trail.Halted(patient) {
		return audit.ErrChainHalted
	}
	if actor != patient {
		return e.deny(ctx, patient, actor, audit.ActionDeactivate, "only the owner may deactivate", nil, now)
	}
	return e.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.ledger.Deactivate(ctx, patient, actor); err != nil {
			return err
		}
		if _, err := e.trail.Append(ctx, patient, actor, audit.ActionDeactivate, audit.OutcomeAllowed, "", nil, now); err != nil {
			if aerr := e.accounts.SetActive(ctx, patient, true); aerr != nil {
				e.logger.Error().Err(aerr).Str("patient", string(patient)).Msg("failed to unwind deactivation")
			}
			return err
		}
		return nil
	})
}

// RequestEmergencyAccess runs the break-glass flow: credential
// verification happens in the controller, outside the patient lock; only
// the audit append and notification take the lock.
func (e *Engine) RequestEmergencyAccess(ctx context.Context, clinician, patient identity.ID, reason, credential string) (*emergency.Session, error) {
	session, reqErr := e.emergency.Request(ctx, patient, clinician, reason, credential)

	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	if reqErr != nil {
		if errors.Is(reqErr, emergency.ErrCredentialRejected) || errors.Is(reqErr, emergency.ErrVerificationTimeout) {
			if _, err := e.trail.Append(ctx, patient, clinician, audit.ActionEmergencyAccess, audit.OutcomeDenied, reqErr.Error(), nil, now); err != nil {
				e.logger.Error().Err(err).Str("patient", string(patient)).Msg("audit append failed for emergency denial")
			}
		}
		return nil, reqErr
	}

	if _, err := e.trail.Append(ctx, patient, clinician, audit.ActionEmergencyAccess, audit.OutcomeAllowed, "session "+session.ID.String()+": "+reason, nil, now); err != nil {
		// The override is live; losing its audit entry is not acceptable,
		// so revoke the session and fail the request.
		if _, revErr := e.emergency.Revoke(session.ID, patient); revErr != nil {
			e.logger.Error().Err(revErr).Str("session_id", session.ID.String()).Msg("failed to revoke unaudited emergency session")
		}
		return nil, err
	}

	e.notify(notification.Event{
		Type:      notification.EventEmergencyAccess,
		Patient:   patient,
		Actor:     clinician,
		SessionID: &session.ID,
		Detail:    reason,
		At:        now,
	})
	return session, nil
}

// RevokeEmergencyAccess terminates an active session. The patient, the
// clinician who opened it, or an operator acting as the patient may end it.
func (e *Engine) RevokeEmergencyAccess(ctx context.Context, actor identity.ID, sessionID uuid.UUID) (*emergency.Session, error) {
	s, err := e.emergency.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if actor != s.Patient && actor != s.Clinician {
		return nil, ErrAccessDenied
	}

	s, err = e.emergency.Revoke(sessionID, actor)
	if err != nil {
		return nil, err
	}

	lock := e.locks.get(s.Patient)
	lock.Lock()
	defer lock.Unlock()
	now := e.nowFn()
	if _, err := e.trail.Append(ctx, s.Patient, actor, audit.ActionEmergencyAccess, audit.OutcomeAllowed, "session "+s.ID.String()+" revoked", nil, now); err != nil {
		e.logger.Error().Err(err).Str("session_id", s.ID.String()).Msg("audit append failed for emergency revocation")
	}
	return s, nil
}

// QueryAuditTrail pages through a patient's chain. Only the owner or an
// Admin-level provider may read it; the trail reveals who else accessed
// the patient's data, so a refused query is itself audited.
func (e *Engine) QueryAuditTrail(ctx context.Context, actor, patient identity.ID, after uint64, limit int) ([]audit.Entry, error) {
	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	level, err := e.effectiveLevel(ctx, patient, actor, now)
	if err != nil {
		return nil, err
	}
	if level < ledger.LevelAdmin {
		return nil, e.deny(ctx, patient, actor, audit.ActionView, "audit trail requires admin", nil, now)
	}
	return e.trail.EntriesSince(ctx, patient, after, limit)
}

// SweepEmergencySessions expires every stale session and audits each
// expiry on the owning patient's chain. Called from a periodic background
// loop.
func (e *Engine) SweepEmergencySessions(ctx context.Context) []emergency.Session {
	expired := e.emergency.Sweep()
	for _, s := range expired {
		lock := e.locks.get(s.Patient)
		lock.Lock()
		now := e.nowFn()
		if _, err := e.trail.Append(ctx, s.Patient, s.Clinician, audit.ActionEmergencyAccess, audit.OutcomeAllowed, "session "+s.ID.String()+" expired", nil, now); err != nil {
			e.logger.Error().Err(err).Str("session_id", s.ID.String()).Msg("audit append failed for emergency expiry")
		}
		lock.Unlock()
	}
	return expired
}

// VerifyAuditChain re-validates the patient's chain end to end. Operator
// surface; authorization is enforced at the transport layer.
func (e *Engine) VerifyAuditChain(ctx context.Context, patient identity.ID) (uint64, error) {
	return e.trail.VerifyChain(ctx, patient)
}

// ResumeAuditChain lifts a halt after operator investigation.
func (e *Engine) ResumeAuditChain(ctx context.Context, patient identity.ID) error {
	return e.trail.Resume(ctx, patient)
}

// Account returns a snapshot of the patient's ledger account. Owner or
// Admin-level providers only; refusals are audited like any other denial.
func (e *Engine) Account(ctx context.Context, actor, patient identity.ID) (*ledger.PatientAccount, error) {
	lock := e.locks.get(patient)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	level, err := e.effectiveLevel(ctx, patient, actor, now)
	if err != nil {
		return nil, err
	}
	if level < ledger.LevelAdmin {
		return nil, e.deny(ctx, patient, actor, audit.ActionView, "account snapshot requires admin", nil, now)
	}
	return e.ledger.Account(ctx, patient)
}

// priorGrant returns the stored (patient, provider) grant before a
// mutation, or nil. Used to unwind when the audit append fails on the
// non-transactional path.
func (e *Engine) priorGrant(ctx context.Context, patient, provider identity.ID) *ledger.Grant {
	acct, err := e.accounts.Get(ctx, patient)
	if err != nil {
		return nil
	}
	if g, ok := acct.Grants[provider]; ok {
		return &g
	}
	return nil
}

// restoreGrant puts the prior grant back, or removes the new one when no
// grant existed before. Under a real transaction the rollback makes this
// a no-op.
func (e *Engine) restoreGrant(ctx context.Context, patient, provider identity.ID, prior *ledger.Grant) {
	g := ledger.Grant{Patient: patient, Provider: provider, Level: ledger.LevelNone}
	if prior != nil {
		g = *prior
	}
	if err := e.accounts.PutGrant(ctx, g); err != nil {
		e.logger.Error().Err(err).
			Str("patient", string(patient)).
			Str("provider", string(provider)).
			Msg("failed to unwind grant")
	}
}

// unwindRecord removes a record whose audit entry could not be committed.
func (e *Engine) unwindRecord(ctx context.Context, patient identity.ID, recordID uuid.UUID, dropRef bool) {
	if dropRef {
		if err := e.accounts.RemoveRecord(ctx, patient, recordID); err != nil {
			e.logger.Error().Err(err).Str("record_id", recordID.String()).Msg("failed to unwind record ref")
		}
	}
	if err := e.records.Discard(ctx, recordID); err != nil {
		e.logger.Error().Err(err).Str("record_id", recordID.String()).Msg("failed to unwind record")
	}
}

// deny records the denial on the audit chain, notifies the patient, and
// returns ErrAccessDenied wrapping the reason. Callers hold the patient
// lock.
func (e *Engine) deny(ctx context.Context, patient, actor identity.ID, action audit.Action, reason string, recordID *uuid.UUID, now time.Time) error {
	if _, err := e.trail.Append(ctx, patient, actor, action, audit.OutcomeDenied, reason, recordID, now); err != nil {
		e.logger.Error().Err(err).Str("patient", string(patient)).Msg("audit append failed for denial")
	}
	e.logger.Warn().
		Str("patient", string(patient)).
		Str("actor", string(actor)).
		Str("action", string(action)).
		Str("reason", reason).
		Msg("access denied")
	e.notify(notification.Event{
		Type:    notification.EventAccessDenied,
		Patient: patient,
		Actor:   actor,
		Detail:  reason,
		At:      now,
	})
	return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
}

// notify delivers the event on a fresh goroutine so slow notifiers never
// hold the patient lock or the request.
func (e *Engine) notify(ev notification.Event) {
	go e.notifier.Notify(context.Background(), ev)
}
