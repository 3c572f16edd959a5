// Package blobstore provides content-addressed storage for encrypted record
// payloads. The access-control core never sees raw payloads; it stores and
// compares SHA-256 content hashes only.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrEmptyPayload = errors.New("payload is empty")
)

// Store is a content-addressed blob store. The hash returned by Put is the
// lowercase hex SHA-256 of the payload, so storing the same bytes twice is
// a no-op.
type Store interface {
	Put(ctx context.Context, payload []byte) (string, error)
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// Digest returns the content address for a payload without storing it.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// MemStore is a thread-safe, in-memory Store.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	hash := Digest(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		s.blobs[hash] = cp
	}
	return hash, nil
}

func (s *MemStore) Fetch(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[hash]
	if !ok {
		return nil, ErrBlobNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}
