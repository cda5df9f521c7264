package domain

import (
	"context"
	"time"
)

// MarkerStore is the backing store of the idempotency guard.
type MarkerStore interface {
	// PutIfAbsent atomically creates key unless an unexpired marker exists.
	// It reports whether this call created the marker.
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes a marker so the event it guards can be processed again.
	Delete(ctx context.Context, key string) error
}

// IdempotencyConfig holds idempotency guard settings.
type IdempotencyConfig struct {
	// Store is "memory", "redis" or "sql"
	Store  string        `koanf:"store"`
	Window time.Duration `koanf:"window"`
}
