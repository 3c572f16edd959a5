package emergency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledger"
)

var (
	patientA   = identity.FromPublicKey([]byte("patient-a"))
	clinicianC = identity.FromPublicKey([]byte("clinician-c"))
	clinicianD = identity.FromPublicKey([]byte("clinician-d"))
)

type fakeVerifier struct {
	err error
	// block makes Verify wait for ctx cancellation, simulating a stalled
	// credentialing backend.
	block bool
}

func (v *fakeVerifier) Verify(ctx context.Context, _ identity.ID, _ string) error {
	if v.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return v.err
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestController(v CredentialVerifier, policy Policy) (*Controller, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newController(v, policy, zerolog.Nop(), clock.Now), clock
}

func TestRequestActivatesSession(t *testing.T) {
	ctl, clock := newTestController(&fakeVerifier{}, Policy{TTL: time.Hour, MaxLevel: ledger.LevelRead})

	s, err := ctl.Request(context.Background(), patientA, clinicianC, "unresponsive patient", "cred")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if s.State != StateActive {
		t.Errorf("expected active session, got %s", s.State)
	}
	if s.Level != ledger.LevelRead {
		t.Errorf("expected read level, got %s", s.Level)
	}
	if !s.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("unexpected expiry %v", s.ExpiresAt)
	}

	if got := ctl.Override(patientA, clinicianC); got != ledger.LevelRead {
		t.Errorf("expected read override, got %s", got)
	}
	if got := ctl.Override(patientA, clinicianD); got != ledger.LevelNone {
		t.Errorf("other clinician should hold no override, got %s", got)
	}
}

func TestRequestRequiresReason(t *testing.T) {
	ctl, _ := newTestController(&fakeVerifier{}, DefaultPolicy())
	if _, err := ctl.Request(context.Background(), patientA, clinicianC, "   ", "cred"); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestRequestRejectsBadCredential(t *testing.T) {
	ctl, _ := newTestController(&fakeVerifier{err: ErrCredentialRejected}, DefaultPolicy())
	if _, err := ctl.Request(context.Background(), patientA, clinicianC, "reason", "bad"); !errors.Is(err, ErrCredentialRejected) {
		t.Fatalf("expected ErrCredentialRejected, got %v", err)
	}
	if ctl.Override(patientA, clinicianC) != ledger.LevelNone {
		t.Error("rejected request must not leave a session behind")
	}
}

func TestRequestVerificationTimeout(t *testing.T) {
	ctl, _ := newTestController(&fakeVerifier{block: true}, Policy{TTL: time.Hour, MaxLevel: ledger.LevelRead, VerifyTimeout: 20 * time.Millisecond})

	_, err := ctl.Request(context.Background(), patientA, clinicianC, "reason", "cred")
	if !errors.Is(err, ErrVerificationTimeout) {
		t.Fatalf("expected ErrVerificationTimeout, got %v", err)
	}
	if ctl.Override(patientA, clinicianC) != ledger.LevelNone {
		t.Error("timed-out request must not leave a session behind")
	}
}

func TestRequestRefusesDuplicate(t *testing.T) {
	ctl, _ := newTestController(&fakeVerifier{}, DefaultPolicy())
	ctx := context.Background()

	if _, err := ctl.Request(ctx, patientA, clinicianC, "reason", "cred"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := ctl.Request(ctx, patientA, clinicianC, "reason again", "cred"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	ctl, clock := newTestController(&fakeVerifier{}, Policy{TTL: 30 * time.Minute, MaxLevel: ledger.LevelWrite})
	ctx := context.Background()

	s, err := ctl.Request(ctx, patientA, clinicianC, "reason", "cred")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	clock.Advance(29 * time.Minute)
	if ctl.Override(patientA, clinicianC) != ledger.LevelWrite {
		t.Error("session should still confer access before the TTL")
	}

	clock.Advance(2 * time.Minute)
	if ctl.Override(patientA, clinicianC) != ledger.LevelNone {
		t.Error("expired session must confer no access")
	}

	got, err := ctl.Session(s.ID)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if got.State != StateExpired {
		t.Errorf("expected expired state, got %s", got.State)
	}

	// The pair is free again once the old session expired.
	if _, err := ctl.Request(ctx, patientA, clinicianC, "second event", "cred"); err != nil {
		t.Errorf("re-request after expiry failed: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	ctl, _ := newTestController(&fakeVerifier{}, DefaultPolicy())
	ctx := context.Background()

	s, err := ctl.Request(ctx, patientA, clinicianC, "reason", "cred")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	revoked, err := ctl.Revoke(s.ID, patientA)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.State != StateRevoked || revoked.RevokedBy != patientA || revoked.RevokedAt == nil {
		t.Errorf("revocation not recorded: %+v", revoked)
	}
	if ctl.Override(patientA, clinicianC) != ledger.LevelNone {
		t.Error("revoked session must confer no access")
	}

	if _, err := ctl.Revoke(s.ID, patientA); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second revoke should report ErrNotActive, got %v", err)
	}
}

func TestRevokeUnknownSession(t *testing.T) {
	ctl, _ := newTestController(&fakeVerifier{}, DefaultPolicy())
	if _, err := ctl.Revoke(uuid.New(), patientA); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	ctl, clock := newTestController(&fakeVerifier{}, Policy{TTL: 10 * time.Minute, MaxLevel: ledger.LevelRead})
	ctx := context.Background()

	if _, err := ctl.Request(ctx, patientA, clinicianC, "reason", "cred"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := ctl.Request(ctx, patientA, clinicianD, "reason", "cred"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if expired := ctl.Sweep(); len(expired) != 0 {
		t.Fatalf("nothing should expire yet, got %d", len(expired))
	}

	clock.Advance(11 * time.Minute)
	expired := ctl.Sweep()
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", len(expired))
	}
	for _, s := range expired {
		if s.State != StateExpired {
			t.Errorf("sweep returned a non-expired session: %s", s.State)
		}
	}
}

func TestSweepReportsLazyExpiry(t *testing.T) {
	ctl, clock := newTestController(&fakeVerifier{}, Policy{TTL: 10 * time.Minute, MaxLevel: ledger.LevelRead})
	ctx := context.Background()

	s, err := ctl.Request(ctx, patientA, clinicianC, "reason", "cred")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Override expires the session lazily before any sweep runs.
	clock.Advance(11 * time.Minute)
	if ctl.Override(patientA, clinicianC) != ledger.LevelNone {
		t.Fatal("expired session must confer no access")
	}

	// The sweep still reports it exactly once.
	expired := ctl.Sweep()
	if len(expired) != 1 || expired[0].ID != s.ID {
		t.Fatalf("lazy expiry not reported by sweep: %+v", expired)
	}
	if again := ctl.Sweep(); len(again) != 0 {
		t.Errorf("expiry reported twice: %+v", again)
	}
}

func TestPolicyCapsAdmin(t *testing.T) {
	ctl, _ := newTestController(&fakeVerifier{}, Policy{TTL: time.Hour, MaxLevel: ledger.LevelAdmin})
	s, err := ctl.Request(context.Background(), patientA, clinicianC, "reason", "cred")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if s.Level >= ledger.LevelAdmin {
		t.Errorf("emergency sessions must never confer admin, got %s", s.Level)
	}
}

func signClinicianToken(t *testing.T, secret string, subject, scope string) string {
	t.Helper()
	claims := clinicianClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestJWTVerifier(t *testing.T) {
	const secret = "credentialing-authority-secret"
	v := NewJWTVerifier(secret)
	ctx := context.Background()

	good := signClinicianToken(t, secret, string(clinicianC), "emergency")
	if err := v.Verify(ctx, clinicianC, good); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}

	wrongSubject := signClinicianToken(t, secret, string(clinicianD), "emergency")
	if err := v.Verify(ctx, clinicianC, wrongSubject); !errors.Is(err, ErrCredentialRejected) {
		t.Errorf("subject mismatch should be rejected, got %v", err)
	}

	wrongScope := signClinicianToken(t, secret, string(clinicianC), "routine")
	if err := v.Verify(ctx, clinicianC, wrongScope); !errors.Is(err, ErrCredentialRejected) {
		t.Errorf("missing emergency scope should be rejected, got %v", err)
	}

	wrongKey := signClinicianToken(t, "some-other-secret", string(clinicianC), "emergency")
	if err := v.Verify(ctx, clinicianC, wrongKey); !errors.Is(err, ErrCredentialRejected) {
		t.Errorf("bad signature should be rejected, got %v", err)
	}
}
