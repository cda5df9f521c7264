// Package pricing turns ranked similarity matches into a price suggestion.
package pricing

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// TopMatches is the number of best matches that contribute to the base price.
const TopMatches = 5

// Visual quality multipliers from the vision model are clamped to this range.
const (
	MinVisualQuality = 0.75
	MaxVisualQuality = 1.15
)

// SeasonalBoost is the in-season multiplier.
const SeasonalBoost = 1.05

var conditionMultipliers = map[string]float64{
	domain.ConditionNewWithTags:    1.20,
	domain.ConditionNewWithoutTags: 1.15,
	domain.ConditionLikeNew:        1.10,
	domain.ConditionVeryGood:       1.05,
	domain.ConditionGood:           1.00,
	domain.ConditionFair:           0.85,
}

// seasons lists the in-season months per category.
var seasons = map[string][]time.Month{
	domain.CategoryCoats:    {time.October, time.November, time.December, time.January, time.February},
	domain.CategoryJackets:  {time.October, time.November, time.December, time.January, time.February},
	domain.CategorySweaters: {time.October, time.November, time.December, time.January, time.February},
	domain.CategoryDresses:  {time.April, time.May, time.June, time.July, time.August},
	"clothing":              {time.March, time.April, time.May, time.September, time.October, time.November},
}

// ConditionMultiplier looks up the multiplier of a condition label.
// An empty label is neutral; an unknown one is rejected.
func ConditionMultiplier(condition string) (float64, error) {
	if condition == "" {
		return 1.0, nil
	}
	m, ok := conditionMultipliers[condition]
	if !ok {
		return 0, domain.NewValidationError("condition", "unknown label "+condition)
	}
	return m, nil
}

// SeasonalMultiplier returns SeasonalBoost when category is in season in the
// month of date, else 1.0.
func SeasonalMultiplier(category string, date time.Time) float64 {
	for _, m := range seasons[domain.NormalizeCategory(category)] {
		if m == date.Month() {
			return SeasonalBoost
		}
	}
	return 1.0
}

// VisualQualityMultiplier clamps an optional model-supplied multiplier.
func VisualQualityMultiplier(v *float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return 1.0
	}
	return math.Max(MinVisualQuality, math.Min(MaxVisualQuality, *v))
}

// Params carries the item attributes that adjust the base price.
type Params struct {
	TenantID      string
	Category      string
	Condition     string
	QueryDate     time.Time
	VisualQuality *float64
}

// Engine computes price suggestions. It holds no state.
type Engine struct{}

// NewEngine creates a pricing engine.
func NewEngine() *Engine {
	return &Engine{}
}

// SuggestPrice prices an item from its matches. Zero matches fail with
// InsufficientDataError.
func (e *Engine) SuggestPrice(matches []domain.SimilarityMatch, p Params) (*domain.PricingSuggestion, error) {
	if len(matches) == 0 {
		return nil, &domain.InsufficientDataError{TenantID: p.TenantID, Category: domain.NormalizeCategory(p.Category)}
	}

	condition, err := ConditionMultiplier(p.Condition)
	if err != nil {
		return nil, err
	}
	if p.QueryDate.IsZero() {
		p.QueryDate = time.Now()
	}
	factors := domain.PricingFactors{
		ConditionMultiplier:     condition,
		SeasonalMultiplier:      SeasonalMultiplier(p.Category, p.QueryDate),
		VisualQualityMultiplier: VisualQualityMultiplier(p.VisualQuality),
	}

	top := topMatches(matches)
	base := WeightedBasePrice(top)
	lo, hi := multiplierBounds(factors.ConditionMultiplier, factors.SeasonalMultiplier, factors.VisualQualityMultiplier)
	suggested := base * factors.ConditionMultiplier * factors.SeasonalMultiplier * factors.VisualQualityMultiplier

	return &domain.PricingSuggestion{
		SuggestedPrice: roundCents(suggested),
		BasePrice:      roundCents(base),
		PriceRange: domain.PriceRange{
			Min: roundCents(base * lo),
			Max: roundCents(base * hi),
		},
		Confidence: Confidence(top),
		Matches:    matches,
		Factors:    factors,
	}, nil
}

// topMatches returns the TopMatches most similar matches without reordering
// the caller's slice.
func topMatches(matches []domain.SimilarityMatch) []domain.SimilarityMatch {
	top := make([]domain.SimilarityMatch, len(matches))
	copy(top, matches)
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].Similarity > top[j].Similarity
	})
	if len(top) > TopMatches {
		top = top[:TopMatches]
	}
	return top
}

// WeightedBasePrice is the similarity-weighted mean sale price. Negative
// similarities carry no weight; if no match carries weight the plain mean is
// used.
func WeightedBasePrice(matches []domain.SimilarityMatch) float64 {
	var sum, weights, plain float64
	for _, m := range matches {
		w := math.Max(0, m.Similarity)
		sum += w * m.SalePrice
		weights += w
		plain += m.SalePrice
	}
	if weights == 0 {
		return plain / float64(len(matches))
	}
	return sum / weights
}

// Confidence scores how trustworthy a suggestion from matches is, in [0, 1].
// It grows with the match count up to TopMatches and with mean similarity,
// and shrinks with similarity spread and the coefficient of variation of the
// prices.
func Confidence(matches []domain.SimilarityMatch) float64 {
	n := len(matches)
	if n == 0 {
		return 0
	}

	minSim, maxSim := math.Inf(1), math.Inf(-1)
	var simSum, priceSum float64
	for _, m := range matches {
		simSum += m.Similarity
		priceSum += m.SalePrice
		minSim = math.Min(minSim, m.Similarity)
		maxSim = math.Max(maxSim, m.Similarity)
	}
	meanSim := simSum / float64(n)
	meanPrice := priceSum / float64(n)

	var variance float64
	for _, m := range matches {
		d := m.SalePrice - meanPrice
		variance += d * d
	}
	variance /= float64(n)

	cv := 0.0
	if meanPrice > 0 {
		cv = math.Sqrt(variance) / meanPrice
	}

	coverage := float64(min(n, TopMatches)) / TopMatches
	closeness := 0.6*meanSim + 0.4*(1-(maxSim-minSim))
	c := coverage * closeness / (1 + cv)
	return math.Round(math.Max(0, math.Min(1, c))*1000) / 1000
}

// multiplierBounds returns the smallest and largest product over every subset
// of the multipliers. The empty subset contributes 1.
func multiplierBounds(ms ...float64) (lo, hi float64) {
	lo, hi = 1, 1
	for mask := 1; mask < 1<<len(ms); mask++ {
		p := 1.0
		for i, m := range ms {
			if mask&(1<<i) != 0 {
				p *= m
			}
		}
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	return lo, hi
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
