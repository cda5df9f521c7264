package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricewise.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Tier != domain.TierCommunity {
			t.Errorf("expected community tier, got %s", cfg.Tier)
		}
		if cfg.Search.CandidateCeiling != 1000 || cfg.Search.DefaultLimit != 20 {
			t.Errorf("unexpected search defaults: %+v", cfg.Search)
		}
		if cfg.Idempotency.Window != 24*time.Hour {
			t.Errorf("expected 24h window, got %v", cfg.Idempotency.Window)
		}
		if cfg.Cache.Breaker.Cooldown != 30*time.Second {
			t.Errorf("expected 30s cooldown, got %v", cfg.Cache.Breaker.Cooldown)
		}
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := writeFile(t, `
server:
  port: 9090
cache:
  local_max_entries: 250
  embedding_ttl: 2h
search:
  default_min_similarity: 0.8
ingest:
  tenants: [shop-a, shop-b]
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Cache.LocalMaxEntries != 250 || cfg.Cache.EmbeddingTTL != 2*time.Hour {
			t.Errorf("unexpected cache config: %+v", cfg.Cache)
		}
		if cfg.Search.DefaultMinSimilarity != 0.8 {
			t.Errorf("expected min similarity 0.8, got %v", cfg.Search.DefaultMinSimilarity)
		}
		if cfg.Search.BatchSize != 10 {
			t.Errorf("unset keys should keep defaults, got batch size %d", cfg.Search.BatchSize)
		}
		if len(cfg.Ingest.Tenants) != 2 || cfg.Ingest.Tenants[1] != "shop-b" {
			t.Errorf("unexpected tenants: %v", cfg.Ingest.Tenants)
		}
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		path := writeFile(t, "server:\n  port: 9090\n")
		t.Setenv("PRICEWISE_SERVER__PORT", "7070")
		t.Setenv("PRICEWISE_CACHE__BREAKER__FAILURE_THRESHOLD", "7")
		t.Setenv("PRICEWISE_INGEST__WRITE_BACKOFF", "250ms")
		t.Setenv("PRICEWISE_INGEST__TENANTS", "shop-a, shop-b,")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("expected port 7070, got %d", cfg.Server.Port)
		}
		if cfg.Cache.Breaker.FailureThreshold != 7 {
			t.Errorf("expected threshold 7, got %d", cfg.Cache.Breaker.FailureThreshold)
		}
		if cfg.Ingest.WriteBackoff != 250*time.Millisecond {
			t.Errorf("expected 250ms backoff, got %v", cfg.Ingest.WriteBackoff)
		}
		if len(cfg.Ingest.Tenants) != 2 || cfg.Ingest.Tenants[0] != "shop-a" {
			t.Errorf("unexpected tenants: %v", cfg.Ingest.Tenants)
		}
	})

	t.Run("PathFromEnv", func(t *testing.T) {
		t.Setenv(PathEnvVar, writeFile(t, "server:\n  port: 6060\n"))
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Server.Port != 6060 {
			t.Errorf("expected port 6060, got %d", cfg.Server.Port)
		}
	})

	t.Run("ProTierDefaults", func(t *testing.T) {
		t.Setenv("PRICEWISE_TIER", "pro")
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
			t.Errorf("expected pro backends, got %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
		}
		if cfg.EventBus.NATSQueueGroup != "pricewise-ingest" {
			t.Errorf("expected queue group, got %q", cfg.EventBus.NATSQueueGroup)
		}
	})

	t.Run("InvalidValuesRejected", func(t *testing.T) {
		t.Setenv("PRICEWISE_SEARCH__DEFAULT_MIN_SIMILARITY", "1.5")
		if _, err := Load(""); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"PRICEWISE_CACHE__REDIS_ADDR":  "cache.redis_addr",
		"PRICEWISE_TIER":               "tier",
		"PRICEWISE_SEARCH__BATCH_SIZE": "search.batch_size",
		"PRICEWISE_CONFIG":             "",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
