package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/platform/blobstore"
)

var (
	patientA = identity.FromPublicKey([]byte("patient-a"))
	issuerX  = identity.FromPublicKey([]byte("issuer-x"))
)

func TestIngestAndGetRoundTrip(t *testing.T) {
	svc := NewService(NewMemStore())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hash := blobstore.Digest([]byte("lab results"))

	rec, err := svc.Ingest(ctx, patientA, issuerX, hash, TypeLabResult, nil, now)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	got, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ContentHash != hash {
		t.Errorf("content hash mismatch: %q vs %q", got.ContentHash, hash)
	}
	if got.Patient != patientA || got.Issuer != issuerX {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}
}

func TestGetUnknownRecord(t *testing.T) {
	svc := NewService(NewMemStore())
	_, err := svc.Get(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	svc := NewService(NewMemStore())
	ctx := context.Background()
	now := time.Now()

	if _, err := svc.Ingest(ctx, patientA, issuerX, "", TypeLabResult, nil, now); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("empty content hash: expected ErrInvalidRecord, got %v", err)
	}
	if _, err := svc.Ingest(ctx, patientA, issuerX, "abc", RecordType("bogus"), nil, now); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("unknown type: expected ErrInvalidRecord, got %v", err)
	}
}

func TestSupersedesRequiresExistingRecord(t *testing.T) {
	svc := NewService(NewMemStore())
	ctx := context.Background()
	now := time.Now()

	missing := uuid.New()
	if _, err := svc.Ingest(ctx, patientA, issuerX, "abc", TypeClinicalNote, &missing, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for dangling supersedes, got %v", err)
	}

	orig, err := svc.Ingest(ctx, patientA, issuerX, "abc", TypeClinicalNote, nil, now)
	if err != nil {
		t.Fatalf("ingest original: %v", err)
	}
	correction, err := svc.Ingest(ctx, patientA, issuerX, "def", TypeClinicalNote, &orig.ID, now)
	if err != nil {
		t.Fatalf("ingest correction: %v", err)
	}
	if correction.Supersedes == nil || *correction.Supersedes != orig.ID {
		t.Errorf("correction does not link to original: %+v", correction.Supersedes)
	}

	// The original is untouched; corrections never edit in place.
	got, _ := svc.Get(ctx, orig.ID)
	if got.ContentHash != "abc" {
		t.Errorf("original record was mutated: %q", got.ContentHash)
	}
}
