// Package repository provides the SQL backend of the partitioned record store.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// maxBatchSize mirrors the batch limit of managed key/value stores so that
// callers chunk the same way regardless of backend.
const maxBatchSize = 25

// indexColumns maps index names onto the column holding the index partition key.
var indexColumns = map[string]string{
	domain.IndexCategoryShard: "category_pk",
	domain.IndexProductShard:  "product_pk",
}

// SQLStore implements domain.PartitionStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db           *sql.DB
	driver       string
	queryTimeout time.Duration
	now          func() time.Time
}

// New creates a new store based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLStore, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &SQLStore{
		db:           db,
		driver:       cfg.Driver,
		queryTimeout: timeout,
		now:          time.Now,
	}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// SetClock overrides the clock used for expiry decisions.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Put stores an item. Items are immutable: writing an existing key is a no-op.
func (s *SQLStore) Put(ctx context.Context, item *domain.Item) error {
	if err := validateItem(item); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		INSERT INTO partition_items (pk, sk, category_pk, product_pk, sort_at, expires_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pk, sk) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		item.PK, item.SK,
		nullable(item.Indexes[domain.IndexCategoryShard]),
		nullable(item.Indexes[domain.IndexProductShard]),
		item.SortAt.UnixMilli(), expiryMillis(item.ExpiresAt),
		string(item.Data),
	)
	if err != nil {
		return fmt.Errorf("insert item %s/%s: %w", item.PK, item.SK, err)
	}
	return nil
}

// Get retrieves an item by primary key. Expired items are reported as not found.
func (s *SQLStore) Get(ctx context.Context, pk, sk string) (*domain.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		SELECT pk, sk, category_pk, product_pk, sort_at, expires_at, data
		FROM partition_items
		WHERE pk = ? AND sk = ? AND (expires_at = 0 OR expires_at > ?)
	`

	item, err := scanItem(s.db.QueryRowContext(ctx, s.rebind(query), pk, sk, s.now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s/%s: %w", pk, sk, err)
	}
	return item, nil
}

// Query returns the items of one index partition within r, newest first.
func (s *SQLStore) Query(ctx context.Context, indexName, partitionKey string, r domain.SortRange) ([]*domain.Item, error) {
	column, ok := indexColumns[indexName]
	if !ok {
		return nil, domain.NewValidationError("indexName", "unknown index "+strconv.Quote(indexName))
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		SELECT pk, sk, category_pk, product_pk, sort_at, expires_at, data
		FROM partition_items
		WHERE ` + column + ` = ? AND (expires_at = 0 OR expires_at > ?)`
	args := []any{partitionKey, s.now().UnixMilli()}
	if !r.From.IsZero() {
		query += ` AND sort_at >= ?`
		args = append(args, r.From.UnixMilli())
	}
	if !r.To.IsZero() {
		query += ` AND sort_at <= ?`
		args = append(args, r.To.UnixMilli())
	}
	query += ` ORDER BY sort_at DESC, sk`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", indexName, partitionKey, err)
	}
	defer rows.Close()

	var items []*domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s %s: %w", indexName, partitionKey, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s %s: %w", indexName, partitionKey, err)
	}
	return items, nil
}

// BatchPut writes each item independently and reports one result per item.
// A failed item does not roll back the others.
func (s *SQLStore) BatchPut(ctx context.Context, items []*domain.Item) []error {
	results := make([]error, len(items))
	if len(items) > maxBatchSize {
		err := domain.NewValidationError("items", fmt.Sprintf("batch of %d exceeds %d", len(items), maxBatchSize))
		for i := range results {
			results[i] = err
		}
		return results
	}
	for i, item := range items {
		results[i] = s.Put(ctx, item)
	}
	return results
}

// MaxBatchSize returns the largest batch BatchPut accepts.
func (s *SQLStore) MaxBatchSize() int {
	return maxBatchSize
}

// DeleteExpired removes items and idempotency markers whose expiry has passed.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	var total int64
	for _, query := range []string{
		`DELETE FROM partition_items WHERE expires_at > 0 AND expires_at <= ?`,
		`DELETE FROM idempotency_markers WHERE expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, s.rebind(query), now)
		if err != nil {
			return total, fmt.Errorf("delete expired: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// StartExpirySweeper deletes expired rows every interval until ctx is done.
func (s *SQLStore) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.DeleteExpired(ctx)
				if err != nil {
					slog.Error("expiry sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("expiry sweep removed rows", "count", n)
				}
			}
		}
	}()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var (
		item                domain.Item
		categoryPK, product sql.NullString
		sortAt, expiresAt   int64
		data                string
	)
	if err := row.Scan(&item.PK, &item.SK, &categoryPK, &product, &sortAt, &expiresAt, &data); err != nil {
		return nil, err
	}
	item.Indexes = make(map[string]string, 2)
	if categoryPK.Valid {
		item.Indexes[domain.IndexCategoryShard] = categoryPK.String
	}
	if product.Valid {
		item.Indexes[domain.IndexProductShard] = product.String
	}
	item.SortAt = time.UnixMilli(sortAt).UTC()
	if expiresAt > 0 {
		item.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	}
	item.Data = []byte(data)
	return &item, nil
}

func validateItem(item *domain.Item) error {
	switch {
	case item == nil:
		return domain.NewValidationError("item", "is required")
	case item.PK == "" || item.SK == "":
		return domain.NewValidationError("item key", "pk and sk are required")
	}
	for name := range item.Indexes {
		if _, ok := indexColumns[name]; !ok {
			return domain.NewValidationError("item index", "unknown index "+strconv.Quote(name))
		}
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
