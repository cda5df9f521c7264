// Package blobstore fetches embedding vectors from object storage.
package blobstore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// New creates a blob store based on configuration.
func New(cfg domain.BlobConfig) (domain.BlobStore, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unsupported blob store type: %s", cfg.Type)
	}
}

type getFunc func(ctx context.Context, ref string) ([]byte, error)

// getMany runs get for every distinct ref with at most limit calls in flight
// and waits for all of them. It never fails as a whole.
func getMany(ctx context.Context, refs []string, limit int, get getFunc) map[string]domain.BlobResult {
	results := make(map[string]domain.BlobResult, len(refs))
	if limit <= 0 {
		limit = 10
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		g.Go(func() error {
			data, err := get(ctx, ref)
			mu.Lock()
			results[ref] = domain.BlobResult{Data: data, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
