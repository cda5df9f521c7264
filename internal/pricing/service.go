package pricing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
)

// Finder returns ranked similarity matches for a query.
type Finder interface {
	FindSimilar(ctx context.Context, tenantID string, q domain.SimilarityQuery) ([]domain.SimilarityMatch, error)
}

// SuggestRequest is a pricing request for one item.
type SuggestRequest struct {
	Embedding     []float32 `json:"embedding"`
	Category      string    `json:"category"`
	Condition     string    `json:"condition,omitempty"`
	VisualQuality *float64  `json:"visualQuality,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	MinSimilarity *float64  `json:"minSimilarity,omitempty"`
	DaysBack      int       `json:"daysBack,omitempty"`
	Filter        string    `json:"filter,omitempty"`

	// QueryDate drives seasonality. Zero means now.
	QueryDate time.Time `json:"queryDate,omitempty"`
}

// Service composes similarity search and the pricing engine.
type Service struct {
	finder Finder
	engine *Engine
	now    func() time.Time
}

// NewService creates a pricing service.
func NewService(finder Finder, engine *Engine) *Service {
	return &Service{finder: finder, engine: engine, now: time.Now}
}

// Suggest finds comparable sales for req and prices the item from them.
func (s *Service) Suggest(ctx context.Context, tenantID string, req SuggestRequest) (*domain.PricingSuggestion, error) {
	// Reject bad conditions before paying for a search.
	if _, err := ConditionMultiplier(req.Condition); err != nil {
		return nil, err
	}

	matches, err := s.finder.FindSimilar(ctx, tenantID, domain.SimilarityQuery{
		Embedding:     req.Embedding,
		Category:      req.Category,
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
		DaysBack:      req.DaysBack,
		Filter:        req.Filter,
	})
	if err != nil {
		metrics.Suggestions.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	queryDate := req.QueryDate
	if queryDate.IsZero() {
		queryDate = s.now()
	}
	suggestion, err := s.engine.SuggestPrice(matches, Params{
		TenantID:      tenantID,
		Category:      req.Category,
		Condition:     req.Condition,
		QueryDate:     queryDate,
		VisualQuality: req.VisualQuality,
	})
	switch {
	case errors.Is(err, domain.ErrInsufficientData):
		metrics.Suggestions.WithLabelValues(tenantID, "insufficient_data").Inc()
		slog.Info("no comparable sales for suggestion", "tenant_id", tenantID, "category", req.Category)
		return nil, err
	case err != nil:
		metrics.Suggestions.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	metrics.Suggestions.WithLabelValues(tenantID, "ok").Inc()
	slog.Debug("price suggested",
		"tenant_id", tenantID,
		"category", req.Category,
		"matches", len(matches),
		"suggested_price", suggestion.SuggestedPrice,
		"confidence", suggestion.Confidence,
	)
	return suggestion, nil
}
