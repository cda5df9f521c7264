package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// MemoryStore keeps blobs in process memory.
// Used by the Community tier and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Get returns a copy of the blob stored under ref.
func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, domain.ErrNotFound)
	}
	return bytes.Clone(data), nil
}

// GetMany fetches refs concurrently.
func (s *MemoryStore) GetMany(ctx context.Context, refs []string) map[string]domain.BlobResult {
	return getMany(ctx, refs, len(refs), s.Get)
}

// Put stores a copy of data under ref.
func (s *MemoryStore) Put(ctx context.Context, ref string, data []byte) error {
	if ref == "" {
		return domain.NewValidationError("ref", "is required")
	}
	s.mu.Lock()
	s.blobs[ref] = bytes.Clone(data)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
