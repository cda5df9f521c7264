package similarity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/pricewise/internal/blobstore"
	"github.com/opensource-finance/pricewise/internal/cache"
	"github.com/opensource-finance/pricewise/internal/domain"
)

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeSource serves candidates newest first, the way the sales store does.
type fakeSource struct {
	records []*domain.SaleRecord
	err     error
	calls   atomic.Int32
}

func (f *fakeSource) QueryByCategory(ctx context.Context, tenantID, category string, from, to time.Time) ([]*domain.SaleRecord, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	var out []*domain.SaleRecord
	for _, r := range f.records {
		if r.TenantID == tenantID && r.Category == category && !r.SaleDate.Before(from) && !r.SaleDate.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// countingBlobs wraps a MemoryStore, counts fetched refs and fails the first
// failures[ref] fetches of a ref with a transient error.
type countingBlobs struct {
	*blobstore.MemoryStore

	mu       sync.Mutex
	fetched  int
	failures map[string]int
}

func (b *countingBlobs) GetMany(ctx context.Context, refs []string) map[string]domain.BlobResult {
	out := make(map[string]domain.BlobResult, len(refs))
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ref := range refs {
		b.fetched++
		if b.failures[ref] > 0 {
			b.failures[ref]--
			out[ref] = domain.BlobResult{Err: errors.New("connection reset")}
			continue
		}
		data, err := b.MemoryStore.Get(ctx, ref)
		out[ref] = domain.BlobResult{Data: data, Err: err}
	}
	return out
}

type fixture struct {
	source   *fakeSource
	blobs    *countingBlobs
	searcher *Searcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source: &fakeSource{},
		blobs:  &countingBlobs{MemoryStore: blobstore.NewMemoryStore(), failures: map[string]int{}},
	}
	registry := cache.NewRegistry(domain.CacheConfig{LocalMaxEntries: 5000}, nil)
	cfg := domain.DefaultConfig().Search
	cfg.FetchBackoff = time.Millisecond
	s, err := NewSearcher(f.source, registry, f.blobs, cfg, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	f.searcher = s
	return f
}

// add stores a sale with its embedding. Records are appended oldest last.
func (f *fixture) add(t *testing.T, tenant, saleID string, daysAgo int, price float64, vec []float32) {
	t.Helper()
	ref := tenant + "/" + saleID
	if vec != nil {
		if err := f.blobs.Put(context.Background(), ref, blobstore.PackEmbedding(vec)); err != nil {
			t.Fatalf("put blob: %v", err)
		}
	}
	f.source.records = append(f.source.records, &domain.SaleRecord{
		TenantID:     tenant,
		ProductID:    "p-" + saleID,
		SaleID:       saleID,
		SaleDate:     testNow.AddDate(0, 0, -daysAgo),
		SalePrice:    price,
		Category:     "dress",
		Brand:        "Acme",
		EmbeddingRef: ref,
	})
}

func TestSearchRanking(t *testing.T) {
	f := newFixture(t)
	f.add(t, "T1", "s1", 1, 100, []float32{1, 0, 0})
	f.add(t, "T1", "s2", 2, 110, []float32{0.9, 0.1, 0})
	f.add(t, "T1", "s3", 3, 120, []float32{0, 1, 0})
	f.add(t, "T2", "s4", 1, 999, []float32{1, 0, 0})

	res, err := f.searcher.Search(context.Background(), "T1", domain.SimilarityQuery{
		Embedding: []float32{1, 0, 0},
		Category:  "Dress",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Candidates != 3 {
		t.Errorf("expected 3 candidates, got %d", res.Candidates)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("expected 2 matches above 0.70, got %d", len(res.Matches))
	}
	if res.Matches[0].SaleID != "s1" || res.Matches[1].SaleID != "s2" {
		t.Errorf("unexpected order: %s, %s", res.Matches[0].SaleID, res.Matches[1].SaleID)
	}
	for _, m := range res.Matches {
		if m.SalePrice == 999 {
			t.Error("match leaked from another tenant")
		}
	}
	if res.Partial != nil {
		t.Errorf("expected no partial fetch, got %v", res.Partial)
	}
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emb := []float32{1, 0}
	tooHigh := 1.5

	tests := []struct {
		name   string
		tenant string
		q      domain.SimilarityQuery
	}{
		{"BadTenant", "bad tenant", domain.SimilarityQuery{Embedding: emb, Category: "dress"}},
		{"EmptyEmbedding", "T1", domain.SimilarityQuery{Category: "dress"}},
		{"MissingCategory", "T1", domain.SimilarityQuery{Embedding: emb}},
		{"NegativeLimit", "T1", domain.SimilarityQuery{Embedding: emb, Category: "dress", Limit: -1}},
		{"DaysBackBeyondRetention", "T1", domain.SimilarityQuery{Embedding: emb, Category: "dress", DaysBack: 731}},
		{"MinSimilarityOutOfRange", "T1", domain.SimilarityQuery{Embedding: emb, Category: "dress", MinSimilarity: &tooHigh}},
		{"InvalidFilter", "T1", domain.SimilarityQuery{Embedding: emb, Category: "dress", Filter: "sale_price +"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.searcher.FindSimilar(ctx, tt.tenant, tt.q)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	if n := f.source.calls.Load(); n != 0 {
		t.Errorf("expected no store queries for invalid input, got %d", n)
	}
}

func TestSearchStorageErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.source.err = domain.NewStorageError("query", errors.New("shard 3 down"))

	_, err := f.searcher.FindSimilar(context.Background(), "T1", domain.SimilarityQuery{
		Embedding: []float32{1},
		Category:  "dress",
	})
	if !errors.Is(err, domain.ErrStorage) {
		t.Errorf("expected storage error, got %v", err)
	}
}

func TestSearchCandidateCeiling(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 1200; i++ {
		f.add(t, "T1", fmt.Sprintf("s%04d", i), i%300, 50, []float32{1, float32(i % 7)})
	}
	// Newest first, as the store returns them.
	recs := f.source.records
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].SaleDate.After(recs[j-1].SaleDate); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}

	res, err := f.searcher.Search(context.Background(), "T1", domain.SimilarityQuery{
		Embedding: []float32{1, 0},
		Category:  "dress",
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Candidates != 1000 {
		t.Errorf("expected candidates capped at 1000, got %d", res.Candidates)
	}
	if f.blobs.fetched != 1000 {
		t.Errorf("expected 1000 blob fetches, got %d", f.blobs.fetched)
	}
	if len(res.Matches) != 5 {
		t.Errorf("expected 5 matches, got %d", len(res.Matches))
	}
}

func TestSearchFetchFailures(t *testing.T) {
	t.Run("TransientErrorRetried", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "T1", "s1", 1, 100, []float32{1, 0})
		f.blobs.failures["T1/s1"] = 2

		res, err := f.searcher.Search(context.Background(), "T1", domain.SimilarityQuery{
			Embedding: []float32{1, 0},
			Category:  "dress",
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(res.Matches) != 1 {
			t.Errorf("expected the retried embedding to match, got %d matches", len(res.Matches))
		}
		if f.blobs.fetched != 3 {
			t.Errorf("expected 3 attempts, got %d", f.blobs.fetched)
		}
	})

	t.Run("DroppedAfterRetries", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "T1", "s1", 1, 100, []float32{1, 0})
		f.add(t, "T1", "s2", 2, 100, []float32{1, 0})
		f.blobs.failures["T1/s2"] = 10

		res, err := f.searcher.Search(context.Background(), "T1", domain.SimilarityQuery{
			Embedding: []float32{1, 0},
			Category:  "dress",
		})
		if err != nil {
			t.Fatalf("expected partial fetch to be absorbed, got %v", err)
		}
		if len(res.Matches) != 1 || res.Matches[0].SaleID != "s1" {
			t.Errorf("expected only s1, got %+v", res.Matches)
		}
		if res.Partial == nil || len(res.Partial.Failed) != 1 {
			t.Fatalf("expected one failed ref, got %v", res.Partial)
		}
		if !errors.Is(res.Partial, domain.ErrPartialFetch) {
			t.Error("expected partial fetch error kind")
		}
	})

	t.Run("MissingBlobNotRetried", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "T1", "s1", 1, 100, nil)

		res, err := f.searcher.Search(context.Background(), "T1", domain.SimilarityQuery{
			Embedding: []float32{1, 0},
			Category:  "dress",
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if f.blobs.fetched != 1 {
			t.Errorf("expected a single attempt for a missing blob, got %d", f.blobs.fetched)
		}
		if res.Dropped != 1 {
			t.Errorf("expected 1 dropped, got %d", res.Dropped)
		}
	})

	t.Run("DimensionMismatchDropped", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, "T1", "s1", 1, 100, []float32{1, 0, 0})

		res, err := f.searcher.Search(context.Background(), "T1", domain.SimilarityQuery{
			Embedding: []float32{1, 0},
			Category:  "dress",
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(res.Matches) != 0 || res.Dropped != 1 {
			t.Errorf("expected the mismatched embedding dropped, got %d matches, %d dropped", len(res.Matches), res.Dropped)
		}
	})
}

func TestSearchUsesEmbeddingCache(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		f.add(t, "T1", fmt.Sprintf("s%02d", i), i, 100, []float32{1, float32(i)})
	}
	anything := -1.0
	q := domain.SimilarityQuery{Embedding: []float32{1, 0}, Category: "dress", MinSimilarity: &anything}

	if _, err := f.searcher.Search(context.Background(), "T1", q); err != nil {
		t.Fatalf("first search: %v", err)
	}
	if f.blobs.fetched != 25 {
		t.Fatalf("expected 25 fetches, got %d", f.blobs.fetched)
	}

	res, err := f.searcher.Search(context.Background(), "T1", q)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if f.blobs.fetched != 25 {
		t.Errorf("expected cached embeddings on the second search, fetched %d", f.blobs.fetched)
	}
	if len(res.Matches) != 20 {
		t.Errorf("expected default limit of 20 matches, got %d", len(res.Matches))
	}
}

func TestSearchFilter(t *testing.T) {
	f := newFixture(t)
	f.add(t, "T1", "cheap", 1, 20, []float32{1, 0})
	f.add(t, "T1", "pricey", 2, 300, []float32{1, 0})

	matches, err := f.searcher.FindSimilar(context.Background(), "T1", domain.SimilarityQuery{
		Embedding: []float32{1, 0},
		Category:  "dress",
		Filter:    "sale_price >= 100.0",
	})
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 || matches[0].SaleID != "pricey" {
		t.Errorf("expected only the filtered sale, got %+v", matches)
	}
	if f.blobs.fetched != 1 {
		t.Errorf("expected filtered-out candidates not to be fetched, got %d fetches", f.blobs.fetched)
	}
}

func TestSearchDaysBack(t *testing.T) {
	f := newFixture(t)
	f.add(t, "T1", "recent", 10, 100, []float32{1, 0})
	f.add(t, "T1", "old", 400, 100, []float32{1, 0})

	matches, err := f.searcher.FindSimilar(context.Background(), "T1", domain.SimilarityQuery{
		Embedding: []float32{1, 0},
		Category:  "dress",
	})
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 || matches[0].SaleID != "recent" {
		t.Errorf("expected the default 365 day window, got %+v", matches)
	}

	matches, err = f.searcher.FindSimilar(context.Background(), "T1", domain.SimilarityQuery{
		Embedding: []float32{1, 0},
		Category:  "dress",
		DaysBack:  730,
	})
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected both sales within 730 days, got %d", len(matches))
	}
}

func TestSearchMinSimilarityThreshold(t *testing.T) {
	f := newFixture(t)
	f.add(t, "T1", "same", 1, 100, []float32{1, 0})
	f.add(t, "T1", "loose", 2, 100, []float32{1, 2})
	f.add(t, "T1", "orthogonal", 3, 100, []float32{0, 1})
	f.add(t, "T1", "opposite", 4, 100, []float32{-1, 0})

	zero := 0.0
	tests := []struct {
		name string
		min  *float64
		want []string
	}{
		{"DefaultWhenUnset", nil, []string{"same"}},
		{"ExplicitZero", &zero, []string{"same", "loose", "orthogonal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := f.searcher.FindSimilar(context.Background(), "T1", domain.SimilarityQuery{
				Embedding:     []float32{1, 0},
				Category:      "dress",
				MinSimilarity: tt.min,
			})
			if err != nil {
				t.Fatalf("FindSimilar: %v", err)
			}
			var got []string
			for _, m := range matches {
				got = append(got, m.SaleID)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
