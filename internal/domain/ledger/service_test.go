package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medledger/medledger/internal/domain/identity"
)

var (
	patientA  = identity.FromPublicKey([]byte("patient-a"))
	providerX = identity.FromPublicKey([]byte("provider-x"))
	providerY = identity.FromPublicKey([]byte("provider-y"))
)

func newTestService() (*Service, *MemStore, time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemStoreWithClock(func() time.Time { return now })
	return NewService(store), store, now
}

func TestOwnerGrantsAndEvaluate(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	g, err := svc.Grant(ctx, patientA, providerX, LevelRead, nil, patientA, now)
	if err != nil {
		t.Fatalf("owner grant failed: %v", err)
	}
	if g.Level != LevelRead {
		t.Errorf("expected read grant, got %s", g.Level)
	}

	level, err := svc.Evaluate(ctx, patientA, providerX, now)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if level != LevelRead {
		t.Errorf("expected read, got %s", level)
	}
}

func TestGrantExpiry(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	expires := now.Add(time.Hour)
	if _, err := svc.Grant(ctx, patientA, providerX, LevelWrite, &expires, patientA, now); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	before := now.Add(59 * time.Minute)
	level, _ := svc.Evaluate(ctx, patientA, providerX, before)
	if level != LevelWrite {
		t.Errorf("expected write before expiry, got %s", level)
	}

	after := now.Add(61 * time.Minute)
	level, _ = svc.Evaluate(ctx, patientA, providerX, after)
	if level != LevelNone {
		t.Errorf("expected none after expiry, got %s", level)
	}
}

func TestGrantRejectsPastExpiry(t *testing.T) {
	svc, _, now := newTestService()
	expired := now.Add(-time.Minute)
	_, err := svc.Grant(context.Background(), patientA, providerX, LevelRead, &expired, patientA, now)
	if !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}
}

func TestRegrantOverwrites(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	if _, err := svc.Grant(ctx, patientA, providerX, LevelRead, nil, patientA, now); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if _, err := svc.Grant(ctx, patientA, providerX, LevelAdmin, nil, patientA, now); err != nil {
		t.Fatalf("second grant: %v", err)
	}

	level, _ := svc.Evaluate(ctx, patientA, providerX, now)
	if level != LevelAdmin {
		t.Errorf("expected admin after re-grant, got %s", level)
	}

	acct, err := svc.Account(ctx, patientA)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if len(acct.Grants) != 1 {
		t.Errorf("expected a single grant entry, got %d", len(acct.Grants))
	}
}

func TestAdminDelegation(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	if _, err := svc.Grant(ctx, patientA, providerX, LevelAdmin, nil, patientA, now); err != nil {
		t.Fatalf("admin grant: %v", err)
	}
	// providerX holds Admin and may delegate onward.
	if _, err := svc.Grant(ctx, patientA, providerY, LevelRead, nil, providerX, now); err != nil {
		t.Fatalf("delegated grant: %v", err)
	}

	level, _ := svc.Evaluate(ctx, patientA, providerY, now)
	if level != LevelRead {
		t.Errorf("expected read for delegated provider, got %s", level)
	}
}

func TestNonAdminCannotGrant(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	if _, err := svc.Grant(ctx, patientA, providerX, LevelWrite, nil, patientA, now); err != nil {
		t.Fatalf("setup grant: %v", err)
	}
	_, err := svc.Grant(ctx, patientA, providerY, LevelRead, nil, providerX, now)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for write-level requester, got %v", err)
	}
}

func TestExpiredAdminCannotGrant(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	expires := now.Add(time.Hour)
	if _, err := svc.Grant(ctx, patientA, providerX, LevelAdmin, &expires, patientA, now); err != nil {
		t.Fatalf("setup grant: %v", err)
	}

	later := now.Add(2 * time.Hour)
	_, err := svc.Grant(ctx, patientA, providerY, LevelRead, nil, providerX, later)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after admin expiry, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	if _, err := svc.Grant(ctx, patientA, providerX, LevelRead, nil, patientA, now); err != nil {
		t.Fatalf("setup grant: %v", err)
	}
	if err := svc.Revoke(ctx, patientA, providerX, patientA, now); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// Second revoke of the same (now absent) grant still succeeds.
	if err := svc.Revoke(ctx, patientA, providerX, patientA, now); err != nil {
		t.Fatalf("repeat revoke: %v", err)
	}

	level, _ := svc.Evaluate(ctx, patientA, providerX, now)
	if level != LevelNone {
		t.Errorf("expected none after revoke, got %s", level)
	}

	// The grant is removed from the account outright, not stored at None.
	acct, err := svc.Account(ctx, patientA)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if _, ok := acct.Grants[providerX]; ok {
		t.Error("revoked grant still present in the account")
	}
}

func TestEvaluateUnknownPatient(t *testing.T) {
	svc, _, now := newTestService()
	level, err := svc.Evaluate(context.Background(), patientA, providerX, now)
	if err != nil {
		t.Fatalf("evaluate on unknown patient should not error: %v", err)
	}
	if level != LevelNone {
		t.Errorf("expected none, got %s", level)
	}
}

func TestDeactivateBlocksMutations(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	if _, err := svc.Grant(ctx, patientA, providerX, LevelRead, nil, patientA, now); err != nil {
		t.Fatalf("setup grant: %v", err)
	}
	if err := svc.Deactivate(ctx, patientA, patientA); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := svc.Grant(ctx, patientA, providerY, LevelRead, nil, patientA, now)
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}

	// Inactive accounts evaluate to none for everyone.
	level, _ := svc.Evaluate(ctx, patientA, providerX, now)
	if level != LevelNone {
		t.Errorf("expected none on inactive account, got %s", level)
	}
}

func TestDeactivateOwnerOnly(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	if _, err := svc.Grant(ctx, patientA, providerX, LevelAdmin, nil, patientA, now); err != nil {
		t.Fatalf("setup grant: %v", err)
	}
	if err := svc.Deactivate(ctx, patientA, providerX); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-owner deactivate, got %v", err)
	}
}
