package domain

import (
	"time"
)

// SimilarityMatch is one comparable sale scored against a query embedding.
type SimilarityMatch struct {
	SaleID     string    `json:"saleId"`
	ProductID  string    `json:"productId"`
	Similarity float64   `json:"similarity"`
	SalePrice  float64   `json:"salePrice"`
	SaleDate   time.Time `json:"saleDate"`
	Category   string    `json:"category"`
	Brand      string    `json:"brand,omitempty"`
}

// PriceRange bounds a suggestion by adjustment uncertainty.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PricingFactors are the multipliers applied to the base price.
type PricingFactors struct {
	ConditionMultiplier     float64 `json:"conditionMultiplier"`
	SeasonalMultiplier      float64 `json:"seasonalMultiplier"`
	VisualQualityMultiplier float64 `json:"visualQualityMultiplier"`
}

// PricingSuggestion is the result of pricing an item.
type PricingSuggestion struct {
	SuggestedPrice float64           `json:"suggestedPrice"`
	BasePrice      float64           `json:"basePrice"`
	PriceRange     PriceRange        `json:"priceRange"`
	Confidence     float64           `json:"confidence"`
	Matches        []SimilarityMatch `json:"matches"`
	Factors        PricingFactors    `json:"factors"`
}

// SimilarityQuery parameterizes a similarity search.
// Zero values select the configured defaults, except MinSimilarity, where
// nil selects the default and 0 is a real threshold.
type SimilarityQuery struct {
	Embedding     []float32
	Category      string
	Limit         int
	MinSimilarity *float64
	DaysBack      int

	// Filter is an optional CEL expression over candidate attributes.
	Filter string
}

// SearchConfig holds similarity search settings.
type SearchConfig struct {
	CandidateCeiling     int           `koanf:"candidate_ceiling"`
	BatchSize            int           `koanf:"batch_size"`
	MaxConcurrentBatches int           `koanf:"max_concurrent_batches"`
	FetchAttempts        int           `koanf:"fetch_attempts"`
	FetchBackoff         time.Duration `koanf:"fetch_backoff"`
	DefaultLimit         int           `koanf:"default_limit"`
	DefaultMinSimilarity float64       `koanf:"default_min_similarity"`
	DefaultDaysBack      int           `koanf:"default_days_back"`
	MaxDaysBack          int           `koanf:"max_days_back"`
	LatencyBudget        time.Duration `koanf:"latency_budget"`
}
