package domain

import (
	"context"
	"time"
)

// Index names of the partitioned record store.
const (
	IndexCategoryShard = "category_shard"
	IndexProductShard  = "product_shard"
)

// Item is the unit the partitioned record store persists.
type Item struct {
	// PK and SK form the primary key.
	PK string
	SK string

	// Indexes maps an index name to this item's partition key in that index.
	Indexes map[string]string

	// SortAt orders items inside an index partition.
	SortAt time.Time

	// ExpiresAt is honored by the backend: expired items are removed eventually.
	ExpiresAt time.Time

	Data []byte
}

// SortRange bounds an index query by sort attribute, inclusive on both ends.
// A zero bound is open.
type SortRange struct {
	From time.Time
	To   time.Time
}

// PartitionStore is the contract of the partitioned record store backend.
type PartitionStore interface {
	Put(ctx context.Context, item *Item) error

	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, pk, sk string) (*Item, error)

	Query(ctx context.Context, indexName, partitionKey string, r SortRange) ([]*Item, error)

	// BatchPut writes items and returns one error slot per item.
	BatchPut(ctx context.Context, items []*Item) []error

	// MaxBatchSize is the largest slice BatchPut accepts.
	MaxBatchSize() int

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`

	// QueryTimeout bounds every statement.
	QueryTimeout time.Duration `koanf:"query_timeout"`

	// SweepInterval is how often expired rows are deleted. Zero disables the sweeper.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// SalesConfig holds sales store settings.
type SalesConfig struct {
	WriteShards      int `koanf:"write_shards"`
	ReadShards       int `koanf:"read_shards"`
	QueryConcurrency int `koanf:"query_concurrency"`
}
