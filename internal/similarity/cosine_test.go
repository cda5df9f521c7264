package similarity

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("IdenticalVectors", func(t *testing.T) {
		v := []float32{0.3, -1.2, 4.5, 0.01}
		sim, err := CosineSimilarity(v, v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(sim-1) > 1e-9 {
			t.Errorf("expected 1, got %v", sim)
		}
	})

	t.Run("OrthogonalVectors", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sim != 0 {
			t.Errorf("expected 0, got %v", sim)
		}
	})

	t.Run("OppositeVectors", func(t *testing.T) {
		sim, _ := CosineSimilarity([]float32{1, 2}, []float32{-1, -2})
		if math.Abs(sim+1) > 1e-9 {
			t.Errorf("expected -1, got %v", sim)
		}
	})

	t.Run("ScaleInvariant", func(t *testing.T) {
		a := []float32{1, 2, 3}
		b := []float32{10, 20, 30}
		sim, _ := CosineSimilarity(a, b)
		if math.Abs(sim-1) > 1e-9 {
			t.Errorf("expected 1, got %v", sim)
		}
	})

	t.Run("ZeroVector", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sim != 0 {
			t.Errorf("expected 0, got %v", sim)
		}
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
			t.Error("expected error for mismatched dimensions")
		}
	})
}

func TestRank(t *testing.T) {
	day := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	matches := []domain.SimilarityMatch{
		{SaleID: "s-low", Similarity: 0.5, SaleDate: day},
		{SaleID: "s-mid", Similarity: 0.9, SaleDate: day},
		{SaleID: "s-top", Similarity: 0.95, SaleDate: day},
	}

	t.Run("FiltersAndOrders", func(t *testing.T) {
		got := Rank(matches, 0.7, 20)
		if len(got) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(got))
		}
		if got[0].SaleID != "s-top" || got[1].SaleID != "s-mid" {
			t.Errorf("unexpected order: %s, %s", got[0].SaleID, got[1].SaleID)
		}
	})

	t.Run("ThresholdIsInclusive", func(t *testing.T) {
		got := Rank(matches, 0.9, 20)
		if len(got) != 2 {
			t.Errorf("expected 0.9 to be kept at threshold 0.9, got %d matches", len(got))
		}
	})

	t.Run("Limit", func(t *testing.T) {
		got := Rank(matches, -1, 1)
		if len(got) != 1 || got[0].SaleID != "s-top" {
			t.Errorf("expected only s-top, got %+v", got)
		}
	})

	t.Run("TiesPreferRecentSale", func(t *testing.T) {
		tied := []domain.SimilarityMatch{
			{SaleID: "old", Similarity: 0.8, SaleDate: day.AddDate(0, 0, -5)},
			{SaleID: "new", Similarity: 0.8, SaleDate: day},
		}
		got := Rank(tied, 0.7, 20)
		if got[0].SaleID != "new" {
			t.Errorf("expected the newer sale first, got %s", got[0].SaleID)
		}
	})

	t.Run("DoesNotMutateInput", func(t *testing.T) {
		_ = Rank(matches, 0.7, 20)
		if matches[0].SaleID != "s-low" {
			t.Error("input slice was reordered")
		}
	})
}
