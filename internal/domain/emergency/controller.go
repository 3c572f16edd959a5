package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledger"
)

// Policy bounds what an emergency session may confer.
type Policy struct {
	// TTL is how long an activated session stays usable.
	TTL time.Duration
	// MaxLevel caps the level a session can confer. Admin is refused
	// even if configured.
	MaxLevel ledger.AccessLevel
	// VerifyTimeout bounds the credential verifier call.
	VerifyTimeout time.Duration
}

// DefaultPolicy mirrors a one-hour break-glass window with read-only
// access and a five-second verifier budget.
func DefaultPolicy() Policy {
	return Policy{
		TTL:           time.Hour,
		MaxLevel:      ledger.LevelRead,
		VerifyTimeout: 5 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.TTL <= 0 {
		p.TTL = time.Hour
	}
	if p.VerifyTimeout <= 0 {
		p.VerifyTimeout = 5 * time.Second
	}
	if p.MaxLevel >= ledger.LevelAdmin || p.MaxLevel == ledger.LevelNone {
		p.MaxLevel = ledger.LevelRead
	}
	return p
}

// Controller runs the break-glass lifecycle. All session state is held in
// memory; a restart drops active overrides, which is the safe failure
// mode for an emergency elevation.
type Controller struct {
	verifier CredentialVerifier
	policy   Policy
	logger   zerolog.Logger
	nowFn    func() time.Time

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	// byPair indexes the live session per (patient, clinician).
	byPair map[pairKey]uuid.UUID
	// pendingExpired holds Active-to-Expired transitions that have not
	// been reported through Sweep yet, so lazy expiries still reach the
	// audit trail.
	pendingExpired []Session
}

type pairKey struct {
	patient   identity.ID
	clinician identity.ID
}

func NewController(verifier CredentialVerifier, policy Policy, logger zerolog.Logger) *Controller {
	return newController(verifier, policy, logger, time.Now)
}

// newController accepts a clock function so tests can inject a
// deterministic clock.
func newController(verifier CredentialVerifier, policy Policy, logger zerolog.Logger, nowFn func() time.Time) *Controller {
	return &Controller{
		verifier: verifier,
		policy:   policy.normalized(),
		logger:   logger.With().Str("component", "emergency").Logger(),
		nowFn:    nowFn,
		sessions: make(map[uuid.UUID]*Session),
		byPair:   make(map[pairKey]uuid.UUID),
	}
}

// Request verifies the clinician's credential and, on success, activates
// a time-boxed session. Verification runs under the policy's deadline;
// a timeout leaves no session behind.
func (c *Controller) Request(ctx context.Context, patient, clinician identity.ID, reason, credential string) (*Session, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	now := c.nowFn()
	if existing := c.activeSession(patient, clinician, now); existing != nil {
		return nil, fmt.Errorf("%w: session %s", ErrAlreadyActive, existing.ID)
	}

	s := &Session{
		ID:          uuid.New(),
		Patient:     patient,
		Clinician:   clinician,
		Reason:      reason,
		Level:       c.policy.MaxLevel,
		State:       StateRequested,
		RequestedAt: now,
	}

	vctx, cancel := context.WithTimeout(ctx, c.policy.VerifyTimeout)
	defer cancel()
	if err := c.verifier.Verify(vctx, clinician, credential); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return nil, ErrVerificationTimeout
		}
		if errors.Is(err, ErrCredentialRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCredentialRejected, err)
	}
	s.State = StateVerified

	now = c.nowFn()
	s.State = StateActive
	s.ActivatedAt = now
	s.ExpiresAt = now.Add(c.policy.TTL)

	c.mu.Lock()
	// Re-check under the lock; a concurrent Request may have won.
	key := pairKey{patient: patient, clinician: clinician}
	if id, ok := c.byPair[key]; ok {
		if live := c.sessions[id]; live != nil && live.ActiveAt(now) {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: session %s", ErrAlreadyActive, live.ID)
		}
	}
	c.sessions[s.ID] = s
	c.byPair[key] = s.ID
	c.mu.Unlock()

	c.logger.Warn().
		Str("type", "break_glass").
		Str("session_id", s.ID.String()).
		Str("patient", string(patient)).
		Str("clinician", string(clinician)).
		Str("reason", reason).
		Str("level", s.Level.String()).
		Time("expires_at", s.ExpiresAt).
		Msg("emergency session activated")

	return s.snapshot(), nil
}

// Override returns the access level an active emergency session confers
// for the clinician on the patient, or LevelNone. Sessions past their
// TTL are lazily transitioned to Expired.
func (c *Controller) Override(patient, clinician identity.ID) ledger.AccessLevel {
	now := c.nowFn()
	s := c.activeSession(patient, clinician, now)
	if s == nil {
		return ledger.LevelNone
	}
	return s.Level
}

// OverrideSession is Override plus the conferring session, so callers can
// cite the session id in audit entries.
func (c *Controller) OverrideSession(patient, clinician identity.ID) *Session {
	return c.activeSession(patient, clinician, c.nowFn())
}

// Revoke terminates an active session before its TTL elapses.
func (c *Controller) Revoke(sessionID uuid.UUID, by identity.ID) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrNoSession
	}
	now := c.nowFn()
	c.expireLocked(s, now)
	if s.State != StateActive {
		return nil, fmt.Errorf("%w: state %s", ErrNotActive, s.State)
	}
	s.State = StateRevoked
	s.RevokedAt = &now
	s.RevokedBy = by
	delete(c.byPair, pairKey{patient: s.Patient, clinician: s.Clinician})

	c.logger.Warn().
		Str("session_id", s.ID.String()).
		Str("patient", string(s.Patient)).
		Str("revoked_by", string(by)).
		Msg("emergency session revoked")

	return s.snapshot(), nil
}

// Session returns a snapshot of the session, lazily expiring it first.
func (c *Controller) Session(sessionID uuid.UUID) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrNoSession
	}
	c.expireLocked(s, c.nowFn())
	return s.snapshot(), nil
}

// Sweep expires every session past its TTL and returns every expiry not
// yet reported, including sessions that expired lazily on a read path.
// Intended for a periodic background call; the caller audits each one.
func (c *Controller) Sweep() []Session {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		c.expireLocked(s, now)
	}
	expired := c.pendingExpired
	c.pendingExpired = nil
	return expired
}

func (c *Controller) activeSession(patient, clinician identity.ID, now time.Time) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPair[pairKey{patient: patient, clinician: clinician}]
	if !ok {
		return nil
	}
	s := c.sessions[id]
	if s == nil {
		return nil
	}
	c.expireLocked(s, now)
	if s.State != StateActive {
		return nil
	}
	return s.snapshot()
}

// expireLocked transitions an active session past its TTL to Expired.
// Callers hold c.mu.
func (c *Controller) expireLocked(s *Session, now time.Time) {
	if s.State == StateActive && !now.Before(s.ExpiresAt) {
		s.State = StateExpired
		delete(c.byPair, pairKey{patient: s.Patient, clinician: s.Clinician})
		c.pendingExpired = append(c.pendingExpired, *s)
	}
}

func (s *Session) snapshot() *Session {
	cp := *s
	return &cp
}
