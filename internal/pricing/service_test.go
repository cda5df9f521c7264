package pricing

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/pricewise/internal/blobstore"
	"github.com/opensource-finance/pricewise/internal/cache"
	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/repository"
	"github.com/opensource-finance/pricewise/internal/sales"
	"github.com/opensource-finance/pricewise/internal/similarity"
)

type stubFinder struct {
	matches []domain.SimilarityMatch
	err     error
	calls   int
}

func (f *stubFinder) FindSimilar(ctx context.Context, tenantID string, q domain.SimilarityQuery) ([]domain.SimilarityMatch, error) {
	f.calls++
	return f.matches, f.err
}

func TestServiceSuggest(t *testing.T) {
	ctx := context.Background()

	t.Run("NoMatches", func(t *testing.T) {
		svc := NewService(&stubFinder{}, NewEngine())
		_, err := svc.Suggest(ctx, "T1", SuggestRequest{Embedding: []float32{1}, Category: "dress"})
		if !errors.Is(err, domain.ErrInsufficientData) {
			t.Errorf("expected insufficient data, got %v", err)
		}
	})

	t.Run("SearchErrorPropagates", func(t *testing.T) {
		svc := NewService(&stubFinder{err: domain.NewStorageError("query", errors.New("down"))}, NewEngine())
		_, err := svc.Suggest(ctx, "T1", SuggestRequest{Embedding: []float32{1}, Category: "dress"})
		if !errors.Is(err, domain.ErrStorage) {
			t.Errorf("expected storage error, got %v", err)
		}
	})

	t.Run("BadConditionSkipsSearch", func(t *testing.T) {
		finder := &stubFinder{}
		svc := NewService(finder, NewEngine())
		_, err := svc.Suggest(ctx, "T1", SuggestRequest{Embedding: []float32{1}, Category: "dress", Condition: "mint"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		if finder.calls != 0 {
			t.Errorf("expected no search, got %d", finder.calls)
		}
	})
}

// TestSuggestEndToEnd ingests three dresses and prices an item whose
// embedding is identical to one of them. The suggestion must equal that
// sale's price whatever the time of year.
func TestSuggestEndToEnd(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
	}{
		{"January", time.Date(2026, time.January, 20, 9, 0, 0, 0, time.UTC)},
		{"June", time.Date(2026, time.June, 20, 9, 0, 0, 0, time.UTC)},
		{"October", time.Date(2026, time.October, 5, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, embeddings := newDressService(t, tt.now)
			ctx := context.Background()

			// No QueryDate: the service prices as of its own clock.
			exact := 0.99
			s, err := svc.Suggest(ctx, "T1", SuggestRequest{
				Embedding:     embeddings["s3"],
				Category:      "dress",
				MinSimilarity: &exact,
			})
			if err != nil {
				t.Fatalf("Suggest: %v", err)
			}
			if len(s.Matches) != 1 {
				t.Fatalf("expected exactly 1 match, got %d", len(s.Matches))
			}
			if s.Matches[0].SaleID != "s3" || math.Abs(s.Matches[0].Similarity-1) > 1e-6 {
				t.Errorf("expected s3 at similarity 1, got %+v", s.Matches[0])
			}
			if s.SuggestedPrice != 95.5 {
				t.Errorf("expected suggested price 95.5, got %v", s.SuggestedPrice)
			}

			_, err = svc.Suggest(ctx, "T2", SuggestRequest{Embedding: embeddings["s3"], Category: "dress"})
			if !errors.Is(err, domain.ErrInsufficientData) {
				t.Errorf("expected no data for another tenant, got %v", err)
			}
		})
	}
}

func newDressService(t *testing.T, now time.Time) (*Service, map[string][]float32) {
	t.Helper()
	ctx := context.Background()

	backend, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "pricing.db"),
	})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	backend.SetClock(func() time.Time { return now })
	t.Cleanup(func() { backend.Close() })

	store := sales.New(backend, domain.SalesConfig{})
	blobs := blobstore.NewMemoryStore()

	embeddings := map[string][]float32{
		"s1": {0.9, 0.1, 0.0, 0.2},
		"s2": {0.1, 0.8, 0.3, 0.0},
		"s3": {0.0, 0.2, 0.9, 0.4},
	}
	prices := map[string]float64{"s1": 80, "s2": 120, "s3": 95.5}
	for id, vec := range embeddings {
		ref := "T1/" + id
		if err := blobs.Put(ctx, ref, blobstore.PackEmbedding(vec)); err != nil {
			t.Fatalf("put blob: %v", err)
		}
		err := store.Put(ctx, &domain.SaleRecord{
			TenantID:     "T1",
			ProductID:    "p-" + id,
			SaleID:       id,
			SaleDate:     now.AddDate(0, 0, -7),
			SalePrice:    prices[id],
			Category:     "dress",
			EmbeddingRef: ref,
		})
		if err != nil {
			t.Fatalf("put sale: %v", err)
		}
	}

	registry := cache.NewRegistry(domain.CacheConfig{}, nil)
	searcher, err := similarity.NewSearcher(store, registry, blobs, domain.DefaultConfig().Search,
		similarity.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	svc := NewService(searcher, NewEngine())
	svc.now = func() time.Time { return now }
	return svc, embeddings
}
