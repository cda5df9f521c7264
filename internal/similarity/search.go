// Package similarity finds historical sales whose embeddings are closest to
// a query embedding.
package similarity

import (
	"context"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
)

var tracer = otel.Tracer("pricewise-similarity")

// CandidateSource lists a tenant's sales in a category and time window.
type CandidateSource interface {
	QueryByCategory(ctx context.Context, tenantID, category string, from, to time.Time) ([]*domain.SaleRecord, error)
}

// Searcher runs similarity searches.
type Searcher struct {
	sales        CandidateSource
	cache        domain.Cache
	blobs        domain.BlobStore
	filter       *Filter
	cfg          domain.SearchConfig
	embeddingTTL time.Duration
	now          func() time.Time
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithClock overrides the clock that anchors the daysBack window.
func WithClock(now func() time.Time) Option {
	return func(s *Searcher) { s.now = now }
}

// WithEmbeddingTTL sets how long fetched embeddings stay cached.
func WithEmbeddingTTL(ttl time.Duration) Option {
	return func(s *Searcher) { s.embeddingTTL = ttl }
}

// NewSearcher creates a searcher. Zero config values fall back to defaults.
func NewSearcher(sales CandidateSource, cache domain.Cache, blobs domain.BlobStore, cfg domain.SearchConfig, opts ...Option) (*Searcher, error) {
	def := domain.DefaultConfig().Search
	if cfg.CandidateCeiling <= 0 {
		cfg.CandidateCeiling = def.CandidateCeiling
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = def.FetchAttempts
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = def.FetchBackoff
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.DefaultMinSimilarity == 0 {
		cfg.DefaultMinSimilarity = def.DefaultMinSimilarity
	}
	if cfg.DefaultDaysBack <= 0 {
		cfg.DefaultDaysBack = def.DefaultDaysBack
	}
	if cfg.MaxDaysBack <= 0 {
		cfg.MaxDaysBack = def.MaxDaysBack
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = def.LatencyBudget
	}

	filter, err := NewFilter()
	if err != nil {
		return nil, err
	}

	s := &Searcher{
		sales:        sales,
		cache:        cache,
		blobs:        blobs,
		filter:       filter,
		cfg:          cfg,
		embeddingTTL: 24 * time.Hour,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Result is a search outcome with the bookkeeping behind it.
type Result struct {
	Matches    []domain.SimilarityMatch
	Candidates int
	Scored     int
	Dropped    int

	// Partial lists embeddings that could not be used. It is informational.
	Partial *domain.PartialFetchError

	Elapsed time.Duration
}

// FindSimilar returns the best matches for q among the tenant's recent sales
// in q.Category. Embeddings that cannot be fetched are dropped, not fatal.
func (s *Searcher) FindSimilar(ctx context.Context, tenantID string, q domain.SimilarityQuery) ([]domain.SimilarityMatch, error) {
	res, err := s.Search(ctx, tenantID, q)
	if err != nil {
		return nil, err
	}
	return res.Matches, nil
}

// Search is FindSimilar with the result bookkeeping exposed.
func (s *Searcher) Search(ctx context.Context, tenantID string, q domain.SimilarityQuery) (*Result, error) {
	start := time.Now()
	q, err := s.normalize(tenantID, q)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "similarity.FindSimilar")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("category", q.Category),
		attribute.Int("limit", q.Limit),
		attribute.Float64("min_similarity", *q.MinSimilarity),
	)

	// Phase 1: candidates
	now := s.now()
	records, err := s.sales.QueryByCategory(ctx, tenantID, q.Category, now.AddDate(0, 0, -q.DaysBack), now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	records, err = s.filter.Apply(q.Filter, records, now)
	if err != nil {
		return nil, err
	}
	if len(records) > s.cfg.CandidateCeiling {
		records = records[:s.cfg.CandidateCeiling]
	}

	refs := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.EmbeddingRef]; ok {
			continue
		}
		seen[rec.EmbeddingRef] = struct{}{}
		refs = append(refs, rec.EmbeddingRef)
	}

	// Phase 2: embeddings
	_, fetchSpan := tracer.Start(ctx, "similarity.fetchEmbeddings")
	fetched := s.fetchEmbeddings(ctx, tenantID, refs)
	fetchSpan.SetAttributes(
		attribute.Int("refs", len(refs)),
		attribute.Int("failed", len(fetched.failures)),
	)
	fetchSpan.End()

	// Phase 3: score and rank
	matches := make([]domain.SimilarityMatch, 0, len(records))
	for _, rec := range records {
		vec, ok := fetched.vectors[rec.EmbeddingRef]
		if !ok {
			continue
		}
		sim, err := CosineSimilarity(q.Embedding, vec)
		if err != nil {
			fetched.failures[rec.EmbeddingRef] = err
			continue
		}
		matches = append(matches, domain.SimilarityMatch{
			SaleID:     rec.SaleID,
			ProductID:  rec.ProductID,
			Similarity: sim,
			SalePrice:  rec.SalePrice,
			SaleDate:   rec.SaleDate,
			Category:   rec.Category,
			Brand:      rec.Brand,
		})
	}

	res := &Result{
		Matches:    Rank(matches, *q.MinSimilarity, q.Limit),
		Candidates: len(records),
		Scored:     len(matches),
		Dropped:    len(fetched.failures),
	}
	if len(fetched.failures) > 0 {
		res.Partial = &domain.PartialFetchError{Attempted: len(refs), Failed: fetched.failures}
		for ref, ferr := range fetched.failures {
			metrics.EmbeddingFetches.WithLabelValues("blob", "dropped").Inc()
			slog.Warn("embedding dropped from candidate set",
				"tenant_id", tenantID, "embedding_ref", ref, "error", ferr)
		}
	}

	res.Elapsed = time.Since(start)
	metrics.SearchDuration.WithLabelValues(tenantID).Observe(res.Elapsed.Seconds())
	if res.Elapsed > s.cfg.LatencyBudget {
		metrics.SearchBudgetExceeded.WithLabelValues(tenantID).Inc()
		slog.Warn("similarity search exceeded latency budget",
			"tenant_id", tenantID, "elapsed_ms", res.Elapsed.Milliseconds(),
			"budget_ms", s.cfg.LatencyBudget.Milliseconds(), "candidates", res.Candidates)
	}
	span.SetAttributes(
		attribute.Int("candidates", res.Candidates),
		attribute.Int("matches", len(res.Matches)),
		attribute.Int("dropped", res.Dropped),
	)
	return res, nil
}

func (s *Searcher) normalize(tenantID string, q domain.SimilarityQuery) (domain.SimilarityQuery, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return q, err
	}
	if len(q.Embedding) == 0 {
		return q, domain.NewValidationError("embedding", "is required")
	}
	q.Category = domain.NormalizeCategory(q.Category)
	if q.Category == "" {
		return q, domain.NewValidationError("category", "is required")
	}

	switch {
	case q.Limit < 0:
		return q, domain.NewValidationError("limit", "must not be negative")
	case q.Limit == 0:
		q.Limit = s.cfg.DefaultLimit
	}
	minSim := s.cfg.DefaultMinSimilarity
	if q.MinSimilarity != nil {
		minSim = *q.MinSimilarity
	}
	if math.IsNaN(minSim) || minSim < -1 || minSim > 1 {
		return q, domain.NewValidationError("minSimilarity", "must be within [-1, 1]")
	}
	q.MinSimilarity = &minSim
	switch {
	case q.DaysBack < 0 || q.DaysBack > s.cfg.MaxDaysBack:
		return q, domain.NewValidationError("daysBack", "must be within the retention window")
	case q.DaysBack == 0:
		q.DaysBack = s.cfg.DefaultDaysBack
	}
	if q.Filter != "" {
		if err := s.filter.Validate(q.Filter); err != nil {
			return q, err
		}
	}
	return q, nil
}
