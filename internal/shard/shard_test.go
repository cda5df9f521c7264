package shard

import (
	"errors"
	"fmt"
	"testing"

	"github.com/opensource-finance/pricewise/internal/domain"
)

func TestOf(t *testing.T) {
	t.Run("InRangeAndStable", func(t *testing.T) {
		for _, n := range []uint{1, 5, 10, 17} {
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("sale-%d", i)
				first, err := Of(id, n)
				if err != nil {
					t.Fatalf("Of(%q, %d): %v", id, n, err)
				}
				if first >= n {
					t.Fatalf("Of(%q, %d) = %d, out of range", id, n, first)
				}
				for j := 0; j < 3; j++ {
					again, _ := Of(id, n)
					if again != first {
						t.Fatalf("Of(%q, %d) not stable: %d then %d", id, n, first, again)
					}
				}
			}
		}
	})

	t.Run("EmptyIDRejected", func(t *testing.T) {
		_, err := Of("", 10)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("ZeroShardCountRejected", func(t *testing.T) {
		_, err := Of("x", 0)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}

func TestUniformity(t *testing.T) {
	populations := map[string]func(i int) string{
		"Sequential": func(i int) string { return fmt.Sprintf("sale-%06d", i) },
		"SameSuffix": func(i int) string { return fmt.Sprintf("%d-product-0", i) },
		"UUIDLike":   func(i int) string { return fmt.Sprintf("%08x-4e2a-9b1c-%012x", i*7919, i) },
	}

	for name, gen := range populations {
		t.Run(name, func(t *testing.T) {
			for _, n := range []uint{domain.WriteShardCount, domain.ReadShardCount} {
				const samples = 5000
				counts := make([]int, n)
				for i := 0; i < samples; i++ {
					s, err := Of(gen(i), n)
					if err != nil {
						t.Fatal(err)
					}
					counts[s]++
				}
				mean := float64(samples) / float64(n)
				var chi float64
				for s, c := range counts {
					if float64(c) > 1.5*mean {
						t.Errorf("shard %d of %d holds %d keys, mean %.0f", s, n, c, mean)
					}
					d := float64(c) - mean
					chi += d * d / mean
				}
				// Generous bound: chi-square with n-1 degrees of freedom stays far below this
				// for any reasonable hash.
				if chi > 5*float64(n) {
					t.Errorf("chi-square %.1f too high for %d shards", chi, n)
				}
			}
		})
	}
}

func TestIndexKey(t *testing.T) {
	got := IndexKey("T1", "category", "dress", 7)
	if got != "T1#category:dress#7" {
		t.Errorf("IndexKey = %q", got)
	}
}
