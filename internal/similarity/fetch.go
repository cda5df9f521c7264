package similarity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/pricewise/internal/blobstore"
	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
)

// embeddingKey is the cache key of an embedding ref.
func embeddingKey(ref string) string {
	return "emb:" + ref
}

// fetchResult collects the embeddings of one search.
type fetchResult struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	failures map[string]error
}

func (r *fetchResult) ok(ref string, v []float32) {
	r.mu.Lock()
	r.vectors[ref] = v
	r.mu.Unlock()
}

func (r *fetchResult) fail(ref string, err error) {
	r.mu.Lock()
	r.failures[ref] = err
	r.mu.Unlock()
}

// fetchEmbeddings resolves refs through the tenant cache and the blob store in
// batches, with a bounded number of batches in flight. It waits for every
// batch; failed refs are reported, never returned as an error.
func (s *Searcher) fetchEmbeddings(ctx context.Context, tenantID string, refs []string) *fetchResult {
	res := &fetchResult{
		vectors:  make(map[string][]float32, len(refs)),
		failures: make(map[string]error),
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentBatches)
	for start := 0; start < len(refs); start += s.cfg.BatchSize {
		batch := refs[start:min(start+s.cfg.BatchSize, len(refs))]
		g.Go(func() error {
			s.fetchBatch(ctx, tenantID, batch, res)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (s *Searcher) fetchBatch(ctx context.Context, tenantID string, batch []string, res *fetchResult) {
	var misses []string
	for _, ref := range batch {
		data, err := s.cache.Get(ctx, tenantID, embeddingKey(ref))
		if err == nil && data != nil {
			if v, err := blobstore.UnpackEmbedding(data); err == nil {
				metrics.EmbeddingFetches.WithLabelValues("cache", "ok").Inc()
				res.ok(ref, v)
				continue
			}
			_ = s.cache.Delete(ctx, tenantID, embeddingKey(ref))
		}
		misses = append(misses, ref)
	}
	if len(misses) == 0 {
		return
	}

	lastErr := make(map[string]error, len(misses))
	pending := misses
	backoff := retry.WithMaxRetries(uint64(s.cfg.FetchAttempts-1), retry.NewExponential(s.cfg.FetchBackoff))
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var again []string
		for ref, r := range s.blobs.GetMany(ctx, pending) {
			if r.Err != nil {
				if permanent(r.Err) {
					res.fail(ref, r.Err)
					continue
				}
				lastErr[ref] = r.Err
				again = append(again, ref)
				continue
			}
			v, err := blobstore.UnpackEmbedding(r.Data)
			if err != nil {
				res.fail(ref, err)
				continue
			}
			// Populating the cache never blocks on the remote tier.
			_ = s.cache.Set(ctx, tenantID, embeddingKey(ref), r.Data, s.embeddingTTL)
			metrics.EmbeddingFetches.WithLabelValues("blob", "ok").Inc()
			res.ok(ref, v)
		}
		pending = again
		if len(pending) > 0 {
			return retry.RetryableError(fmt.Errorf("%d embeddings pending", len(pending)))
		}
		return nil
	})

	for _, ref := range pending {
		err := lastErr[ref]
		if err == nil {
			err = ctx.Err()
		}
		res.fail(ref, fmt.Errorf("after %d attempts: %w", s.cfg.FetchAttempts, err))
	}
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrCircuitOpen)
}
