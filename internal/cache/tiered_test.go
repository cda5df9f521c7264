package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/opensource-finance/pricewise/internal/breaker"
	"github.com/opensource-finance/pricewise/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis, *stepClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	remote, err := NewRedisCache(domain.CacheConfig{RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	clock := newStepClock()
	reg := NewRegistry(domain.CacheConfig{
		Type:            "redis",
		LocalMaxEntries: 100,
		RemoteTimeout:   time.Second,
		EmbeddingTTL:    time.Hour,
		Breaker:         domain.BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second},
	}, remote, WithClock(clock.Now))
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr, clock
}

func TestTieredCache(t *testing.T) {
	ctx := context.Background()

	t.Run("SetWritesBothTiers", func(t *testing.T) {
		reg, mr, _ := newTestRegistry(t)
		if err := reg.Set(ctx, "T1", "emb:a", []byte("vec"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := reg.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		got, err := mr.Get("pricewise:T1:emb:a")
		if err != nil || got != "vec" {
			t.Errorf("remote value = %q, %v", got, err)
		}
		stats, _ := reg.Stats("T1")
		if stats.RemoteSetOK != 1 {
			t.Errorf("RemoteSetOK = %d, want 1", stats.RemoteSetOK)
		}
	})

	t.Run("RemoteHitPopulatesLocal", func(t *testing.T) {
		reg, mr, _ := newTestRegistry(t)
		mr.Set("pricewise:T1:emb:b", "remote-vec")

		val, err := reg.Get(ctx, "T1", "emb:b")
		if err != nil || string(val) != "remote-vec" {
			t.Fatalf("Get = %q, %v", val, err)
		}
		mr.Del("pricewise:T1:emb:b")

		val, _ = reg.Get(ctx, "T1", "emb:b")
		if string(val) != "remote-vec" {
			t.Errorf("expected local hit after remote fill, got %q", val)
		}
		stats, _ := reg.Stats("T1")
		if stats.RemoteHits != 1 || stats.LocalHits != 1 {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("MissReturnsNil", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		val, err := reg.Get(ctx, "T1", "absent")
		if err != nil || val != nil {
			t.Errorf("expected nil, nil; got %q, %v", val, err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		_ = reg.Set(ctx, "tenantA", "shared-key", []byte("A"), time.Minute)
		_ = reg.Flush(ctx)

		val, _ := reg.Get(ctx, "tenantB", "shared-key")
		if val != nil {
			t.Errorf("tenant B read tenant A's value: %q", val)
		}

		a, _ := reg.For("tenantA")
		b, _ := reg.For("tenantB")
		if a == b || a.Breaker() == b.Breaker() {
			t.Error("tenants share a cache or breaker instance")
		}
		again, _ := reg.For("tenantA")
		if again != a {
			t.Error("registry rebuilt an existing tenant's cache")
		}
	})

	t.Run("MalformedTenantRejected", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		_, err := reg.Get(ctx, "bad:tenant", "k")
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ValidationError, got %v", err)
		}
		if len(reg.Tenants()) != 0 {
			t.Error("malformed tenant was registered")
		}
	})
}

func TestTieredCacheRemoteFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("FailuresAbsorbedAndBreakerOpens", func(t *testing.T) {
		reg, mr, _ := newTestRegistry(t)
		mr.SetError("ERR simulated outage")

		for i := 0; i < 5; i++ {
			val, err := reg.Get(ctx, "T1", "k")
			if err != nil || val != nil {
				t.Fatalf("remote failure leaked: %q, %v", val, err)
			}
		}

		tier, _ := reg.For("T1")
		if tier.Breaker().State() != breaker.Open {
			t.Fatalf("expected breaker open, got %v", tier.Breaker().State())
		}

		if _, err := reg.Get(ctx, "T1", "k"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		stats := tier.Stats()
		if stats.RemoteGetFailures != 5 || stats.RemoteRejected != 1 || stats.Misses != 6 {
			t.Errorf("stats = %+v", stats)
		}

		other, _ := reg.For("T2")
		if other.Breaker().State() != breaker.Closed {
			t.Error("one tenant's outage opened another tenant's breaker")
		}
	})

	t.Run("AsyncWriteFailureCounted", func(t *testing.T) {
		reg, mr, _ := newTestRegistry(t)
		mr.SetError("ERR simulated outage")

		if err := reg.Set(ctx, "T1", "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set surfaced remote failure: %v", err)
		}
		_ = reg.Flush(ctx)

		stats, _ := reg.Stats("T1")
		if stats.RemoteSetFailures != 1 {
			t.Errorf("RemoteSetFailures = %d, want 1", stats.RemoteSetFailures)
		}
		if val, _ := reg.Get(ctx, "T1", "k"); string(val) != "v" {
			t.Errorf("local tier lost the value: %q", val)
		}
	})

	t.Run("RecoversThroughProbe", func(t *testing.T) {
		reg, mr, clock := newTestRegistry(t)
		mr.SetError("ERR simulated outage")
		for i := 0; i < 5; i++ {
			_, _ = reg.Get(ctx, "T1", "k")
		}
		mr.SetError("")
		mr.Set("pricewise:T1:k", "back")

		clock.Advance(31 * time.Second)
		val, _ := reg.Get(ctx, "T1", "k")
		if string(val) != "back" {
			t.Errorf("probe did not reach remote tier: %q", val)
		}
		tier, _ := reg.For("T1")
		if tier.Breaker().State() != breaker.Closed {
			t.Errorf("expected breaker closed, got %v", tier.Breaker().State())
		}
	})
}

func TestLocalOnlyRegistry(t *testing.T) {
	reg, err := New(domain.CacheConfig{Type: "memory", LocalMaxEntries: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	_ = reg.Set(ctx, "T1", "a", []byte("1"), time.Minute)
	_ = reg.Set(ctx, "T1", "b", []byte("2"), time.Minute)
	_ = reg.Set(ctx, "T1", "c", []byte("3"), time.Minute)

	stats, _ := reg.Stats("T1")
	if stats.LocalEntries != 2 || stats.Evictions != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if err := reg.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported cache type")
	}
}
