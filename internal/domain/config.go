package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Pricewise configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Tier determines which backends are used by default
	Tier Tier `koanf:"tier"`

	// Component configurations
	Repository  RepositoryConfig  `koanf:"repository"`
	Sales       SalesConfig       `koanf:"sales"`
	Cache       CacheConfig       `koanf:"cache"`
	Blob        BlobConfig        `koanf:"blob"`
	Search      SearchConfig      `koanf:"search"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	EventBus    EventBusConfig    `koanf:"event_bus"`
	Ingest      IngestConfig      `koanf:"ingest"`

	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds
}

// IngestConfig holds ingestion worker settings.
type IngestConfig struct {
	Tenants []string `koanf:"tenants"`
	Workers int      `koanf:"workers"`

	// Storage writes are retried with exponential backoff before the
	// event's idempotency marker is released.
	WriteAttempts int           `koanf:"write_attempts"`
	WriteBackoff  time.Duration `koanf:"write_backoff"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and in-process caches
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS, Redis and S3
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:        "sqlite",
			SQLitePath:    "./pricewise.db",
			QueryTimeout:  10 * time.Second,
			SweepInterval: time.Hour,
		},
		Sales: SalesConfig{
			WriteShards:      WriteShardCount,
			ReadShards:       ReadShardCount,
			QueryConcurrency: WriteShardCount,
		},
		Cache: CacheConfig{
			Type:            "memory",
			LocalMaxEntries: 1000,
			EmbeddingTTL:    24 * time.Hour,
			RemoteTimeout:   2 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Blob: BlobConfig{
			Type:         "memory",
			Bucket:       "embeddings",
			FetchTimeout: 5 * time.Second,
			Concurrency:  10,
		},
		Search: SearchConfig{
			CandidateCeiling:     1000,
			BatchSize:            10,
			MaxConcurrentBatches: 5,
			FetchAttempts:        3,
			FetchBackoff:         50 * time.Millisecond,
			DefaultLimit:         20,
			DefaultMinSimilarity: 0.70,
			DefaultDaysBack:      365,
			MaxDaysBack:          365 * RetentionYears,
			LatencyBudget:        500 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			Store:  "memory",
			Window: 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Ingest: IngestConfig{
			Workers:       4,
			WriteAttempts: 3,
			WriteBackoff:  100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository.Driver = "postgres"
	cfg.Repository.PostgresHost = "localhost"
	cfg.Repository.PostgresPort = 5432
	cfg.Repository.PostgresDB = "pricewise"
	cfg.Cache.Type = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Blob.Type = "s3"
	cfg.Blob.Endpoint = "localhost:9000"
	cfg.Idempotency.Store = "redis"
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "pricewise-ingest",
	}
	return cfg
}

// Validate rejects configurations no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Sales.WriteShards <= 0 || c.Sales.ReadShards <= 0:
		return fmt.Errorf("sales shard counts must be positive")
	case c.Cache.LocalMaxEntries <= 0:
		return fmt.Errorf("cache.local_max_entries must be positive")
	case c.Cache.Breaker.FailureThreshold <= 0:
		return fmt.Errorf("cache.breaker.failure_threshold must be positive")
	case c.Search.BatchSize <= 0 || c.Search.MaxConcurrentBatches <= 0:
		return fmt.Errorf("search batch settings must be positive")
	case c.Search.FetchAttempts <= 0:
		return fmt.Errorf("search.fetch_attempts must be positive")
	case c.Search.DefaultMinSimilarity < -1 || c.Search.DefaultMinSimilarity > 1:
		return fmt.Errorf("search.default_min_similarity must be within [-1, 1]")
	case c.Idempotency.Window <= 0:
		return fmt.Errorf("idempotency.window must be positive")
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Cache.Type)
	}
	switch c.Idempotency.Store {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("unsupported idempotency store: %s", c.Idempotency.Store)
	}
	if c.Idempotency.Store == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("idempotency.store redis requires cache.redis_addr")
	}
	return nil
}
