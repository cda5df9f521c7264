package domain

import (
	"context"
	"time"
)

// Cache defines the tenant-scoped caching API.
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheStats is a point-in-time snapshot of one tenant's tiered cache.
type CacheStats struct {
	TenantID          string `json:"tenantId"`
	LocalEntries      int    `json:"localEntries"`
	LocalHits         uint64 `json:"localHits"`
	RemoteHits        uint64 `json:"remoteHits"`
	Misses            uint64 `json:"misses"`
	Evictions         uint64 `json:"evictions"`
	RemoteRejected    uint64 `json:"remoteRejected"`
	RemoteGetFailures uint64 `json:"remoteGetFailures"`
	RemoteSetOK       uint64 `json:"remoteSetOk"`
	RemoteSetFailures uint64 `json:"remoteSetFailures"`
	BreakerState      string `json:"breakerState"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the remote tier type: "memory" (local tier only) or "redis"
	Type string `koanf:"type"`

	// Local tier settings, applied per tenant
	LocalMaxEntries int           `koanf:"local_max_entries"`
	EmbeddingTTL    time.Duration `koanf:"embedding_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	RemoteTimeout time.Duration `koanf:"remote_timeout"`

	// Breaker guarding the remote tier, one per tenant
	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
}
