// Package idempotency drops duplicate deliveries of ingestion events.
//
// A Guard claims a time-bounded marker per (tenant, event type, event id)
// with a single put-if-absent write. The first delivery wins the claim;
// later deliveries within the window see false and must be skipped.
package idempotency

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/repository"
)

// DefaultWindow is how long a marker suppresses duplicates.
const DefaultWindow = 24 * time.Hour

// New creates a guard on the configured marker store. Redis settings are
// shared with the remote cache tier; the SQL store is only needed for "sql".
func New(cfg domain.IdempotencyConfig, redisCfg domain.CacheConfig, sqlStore *repository.SQLStore) (*Guard, error) {
	var store domain.MarkerStore
	switch cfg.Store {
	case "memory", "":
		store = NewMemoryStore(nil)

	case "redis":
		rs, err := NewRedisStore(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis marker store: %w", err)
		}
		store = rs

	case "sql":
		if sqlStore == nil {
			return nil, fmt.Errorf("sql marker store requires a repository")
		}
		store = repository.NewMarkerStore(sqlStore)

	default:
		return nil, fmt.Errorf("unsupported idempotency store: %s", cfg.Store)
	}
	return NewGuard(store, cfg.Window), nil
}

// Guard claims idempotency markers.
type Guard struct {
	store  domain.MarkerStore
	window time.Duration
}

// NewGuard creates a guard. A non-positive window selects DefaultWindow.
func NewGuard(store domain.MarkerStore, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{store: store, window: window}
}

// Window returns the default claim window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Claim reports whether the caller should process the event. It returns true
// only if no unexpired marker existed. A zero window uses the guard's default.
func (g *Guard) Claim(ctx context.Context, tenantID, eventType, eventID string, window time.Duration) (bool, error) {
	key, err := MarkerKey(tenantID, eventType, eventID)
	if err != nil {
		return false, err
	}
	if window <= 0 {
		window = g.window
	}
	claimed, err := g.store.PutIfAbsent(ctx, key, window)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return claimed, nil
}

// Release removes the marker of an event whose processing failed, so that a
// redelivery is processed instead of skipped.
func (g *Guard) Release(ctx context.Context, tenantID, eventType, eventID string) error {
	key, err := MarkerKey(tenantID, eventType, eventID)
	if err != nil {
		return err
	}
	return g.store.Delete(ctx, key)
}

// Close releases the marker store's connection, if it holds one.
func (g *Guard) Close() error {
	if c, ok := g.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MarkerKey builds idem:<tenant>:<eventType>:<eventId>.
func MarkerKey(tenantID, eventType, eventID string) (string, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	switch {
	case eventType == "":
		return "", domain.NewValidationError("eventType", "is required")
	case strings.ContainsRune(eventType, ':'):
		return "", domain.NewValidationError("eventType", "must not contain ':'")
	case eventID == "":
		return "", domain.NewValidationError("eventId", "is required")
	}
	return "idem:" + tenantID + ":" + eventType + ":" + eventID, nil
}
