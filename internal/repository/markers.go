package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// MarkerStore implements domain.MarkerStore on the idempotency_markers table.
type MarkerStore struct {
	store *SQLStore
}

// NewMarkerStore returns a marker store sharing the store's connection pool.
func NewMarkerStore(store *SQLStore) *MarkerStore {
	return &MarkerStore{store: store}
}

// PutIfAbsent inserts key, or takes over an expired marker, in one statement.
// Exactly one of several concurrent callers observes a changed row.
func (m *MarkerStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, domain.NewValidationError("key", "is required")
	}
	if ttl <= 0 {
		return false, domain.NewValidationError("ttl", "must be positive")
	}

	s := m.store
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := s.now()
	query := `
		INSERT INTO idempotency_markers (marker_key, expires_at) VALUES (?, ?)
		ON CONFLICT (marker_key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE idempotency_markers.expires_at <= ?
	`

	res, err := s.db.ExecContext(ctx, s.rebind(query), key, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim marker %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim marker %s: %w", key, err)
	}
	return n == 1, nil
}

// Delete removes a marker.
func (m *MarkerStore) Delete(ctx context.Context, key string) error {
	s := m.store
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM idempotency_markers WHERE marker_key = ?`), key); err != nil {
		return fmt.Errorf("delete marker %s: %w", key, err)
	}
	return nil
}
