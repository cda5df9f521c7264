package domain

import (
	"context"
	"time"
)

// BlobStore fetches embedding vectors from cold object storage.
type BlobStore interface {
	// Get returns ErrNotFound when ref does not exist.
	Get(ctx context.Context, ref string) ([]byte, error)

	// GetMany fetches refs in parallel. Errors are reported per ref.
	GetMany(ctx context.Context, refs []string) map[string]BlobResult

	Put(ctx context.Context, ref string, data []byte) error

	// Health check
	Ping(ctx context.Context) error
}

// BlobResult is the outcome of fetching one ref.
type BlobResult struct {
	Data []byte
	Err  error
}

// BlobConfig holds configuration for blob store initialization.
type BlobConfig struct {
	// Type is "memory" or "s3"
	Type string `koanf:"type"`

	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`

	// FetchTimeout bounds one object read.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// Concurrency caps GetMany parallelism.
	Concurrency int `koanf:"concurrency"`
}
