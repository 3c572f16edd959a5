package blobstore

import (
	"context"
	"errors"
	"testing"
)

func TestPutAndFetch(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	payload := []byte("encrypted payload bytes")

	hash, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if hash != Digest(payload) {
		t.Errorf("put returned %q, digest is %q", hash, Digest(payload))
	}

	got, err := s.Fetch(ctx, hash)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("fetched bytes differ from stored bytes")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	h1, err := s.Put(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	h2, err := s.Put(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if h1 != h2 {
		t.Errorf("same payload produced different addresses: %s vs %s", h1, h2)
	}
}

func TestPutRejectsEmptyPayload(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Put(context.Background(), nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestFetchUnknownHash(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Fetch(context.Background(), Digest([]byte("never stored"))); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestFetchReturnsCopy(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	hash, _ := s.Put(ctx, []byte("original"))
	first, _ := s.Fetch(ctx, hash)
	first[0] = 'X'

	second, _ := s.Fetch(ctx, hash)
	if string(second) != "original" {
		t.Error("mutating a fetched payload corrupted the store")
	}
}
