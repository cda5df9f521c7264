package similarity

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Accumulation is done in float64; the result is clamped to [-1, 1].
// A zero vector has similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim)), nil
}

// Rank drops matches below minSimilarity, orders the rest by similarity
// descending with ties going to the more recent sale, and keeps at most limit.
func Rank(matches []domain.SimilarityMatch, minSimilarity float64, limit int) []domain.SimilarityMatch {
	kept := make([]domain.SimilarityMatch, 0, len(matches))
	for _, m := range matches {
		if m.Similarity >= minSimilarity {
			kept = append(kept, m)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.SaleDate.Equal(b.SaleDate) {
			return a.SaleDate.After(b.SaleDate)
		}
		return a.SaleID < b.SaleID
	})

	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
