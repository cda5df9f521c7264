// Package sales stores sale records behind sharded secondary indexes.
package sales

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
	"github.com/opensource-finance/pricewise/internal/shard"
)

var tracer = otel.Tracer("pricewise-sales")

// sortKeyLayout is fixed width so sort keys order chronologically.
const sortKeyLayout = "20060102T150405.000000000Z"

// Store is the sales record store. Callers never pass shard numbers: every
// write derives both index keys and the expiry from the record itself.
type Store struct {
	backend     domain.PartitionStore
	writeShards uint
	readShards  uint
	concurrency int
}

// New creates a store on top of a partitioned record store backend.
func New(backend domain.PartitionStore, cfg domain.SalesConfig) *Store {
	if cfg.WriteShards <= 0 {
		cfg.WriteShards = domain.WriteShardCount
	}
	if cfg.ReadShards <= 0 {
		cfg.ReadShards = domain.ReadShardCount
	}
	if cfg.QueryConcurrency <= 0 {
		cfg.QueryConcurrency = cfg.WriteShards
	}
	return &Store{
		backend:     backend,
		writeShards: uint(cfg.WriteShards),
		readShards:  uint(cfg.ReadShards),
		concurrency: cfg.QueryConcurrency,
	}
}

// Put writes one record.
func (s *Store) Put(ctx context.Context, rec *domain.SaleRecord) error {
	item, err := s.toItem(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, item); err != nil {
		metrics.StorageOperations.WithLabelValues("put", "error").Inc()
		return domain.NewStorageError("put", err)
	}
	metrics.StorageOperations.WithLabelValues("put", "ok").Inc()
	return nil
}

// Get reads one record by its full primary key.
func (s *Store) Get(ctx context.Context, tenantID, productID string, saleDate time.Time, saleID string) (*domain.SaleRecord, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if productID == "" || saleID == "" {
		return nil, domain.NewValidationError("productId/saleId", "are required")
	}

	item, err := s.backend.Get(ctx, primaryKey(tenantID, productID), sortKey(saleDate, saleID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("sale %s: %w", saleID, domain.ErrNotFound)
	}
	if err != nil {
		metrics.StorageOperations.WithLabelValues("get", "error").Inc()
		return nil, domain.NewStorageError("get", err)
	}
	return decode(tenantID, item)
}

// QueryByCategory returns the tenant's sales in category within [from, to],
// newest first. It queries every write shard in parallel; any failed shard
// fails the whole call.
func (s *Store) QueryByCategory(ctx context.Context, tenantID, category string, from, to time.Time) ([]*domain.SaleRecord, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	category = domain.NormalizeCategory(category)
	if category == "" {
		return nil, domain.NewValidationError("category", "is required")
	}

	ctx, span := tracer.Start(ctx, "sales.QueryByCategory")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("category", category),
		attribute.Int("shards", int(s.writeShards)),
	)

	perShard := make([][]*domain.Item, s.writeShards)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := uint(0); i < s.writeShards; i++ {
		g.Go(func() error {
			items, err := s.backend.Query(gctx, domain.IndexCategoryShard,
				shard.IndexKey(tenantID, "category", category, i),
				domain.SortRange{From: from, To: to})
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			perShard[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.StorageOperations.WithLabelValues("query_category", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "shard query failed")
		return nil, domain.NewStorageError("query category", err)
	}
	metrics.StorageOperations.WithLabelValues("query_category", "ok").Inc()

	var records []*domain.SaleRecord
	for _, items := range perShard {
		for _, item := range items {
			rec, err := decode(tenantID, item)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}
	SortNewestFirst(records)
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

// QueryByProduct returns the tenant's sales of productID within [from, to],
// newest first. All of a product's sales share one read shard.
func (s *Store) QueryByProduct(ctx context.Context, tenantID, productID string, from, to time.Time) ([]*domain.SaleRecord, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	n, err := shard.Of(productID, s.readShards)
	if err != nil {
		return nil, err
	}

	items, err := s.backend.Query(ctx, domain.IndexProductShard,
		shard.IndexKey(tenantID, "product", productID, n),
		domain.SortRange{From: from, To: to})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("query_product", "error").Inc()
		return nil, domain.NewStorageError("query product", err)
	}
	metrics.StorageOperations.WithLabelValues("query_product", "ok").Inc()

	records := make([]*domain.SaleRecord, 0, len(items))
	for _, item := range items {
		rec, err := decode(tenantID, item)
		if err != nil {
			return nil, err
		}
		if rec.ProductID == productID {
			records = append(records, rec)
		}
	}
	SortNewestFirst(records)
	return records, nil
}

// BatchPut writes records in chunks of the backend's batch size and returns
// one result per record, in input order.
func (s *Store) BatchPut(ctx context.Context, recs []*domain.SaleRecord) []domain.BatchItemResult {
	results := make([]domain.BatchItemResult, len(recs))

	items := make([]*domain.Item, 0, len(recs))
	positions := make([]int, 0, len(recs))
	for i, rec := range recs {
		if rec != nil {
			results[i].SaleID = rec.SaleID
		}
		item, err := s.toItem(rec)
		if err != nil {
			results[i].Err = err
			continue
		}
		items = append(items, item)
		positions = append(positions, i)
	}

	size := s.backend.MaxBatchSize()
	if size <= 0 {
		size = 1
	}
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		errs := s.backend.BatchPut(ctx, items[start:end])
		for j, err := range errs {
			if err != nil {
				results[positions[start+j]].Err = domain.NewStorageError("batch put", err)
			}
		}
	}

	for i := range results {
		if results[i].Err != nil {
			results[i].Error = results[i].Err.Error()
			metrics.StorageOperations.WithLabelValues("batch_put", "error").Inc()
			continue
		}
		metrics.StorageOperations.WithLabelValues("batch_put", "ok").Inc()
	}
	return results
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// SortNewestFirst orders records by sale date descending, then sale id.
func SortNewestFirst(records []*domain.SaleRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].SaleDate.Equal(records[j].SaleDate) {
			return records[i].SaleDate.After(records[j].SaleDate)
		}
		return records[i].SaleID < records[j].SaleID
	})
}

func (s *Store) toItem(rec *domain.SaleRecord) (*domain.Item, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	stored := *rec
	stored.Category = domain.NormalizeCategory(rec.Category)
	stored.SaleDate = rec.SaleDate.UTC()
	stored.ExpiresAt = domain.ExpiryFor(rec.SaleDate)

	writeShard, err := shard.Of(stored.SaleID, s.writeShards)
	if err != nil {
		return nil, err
	}
	readShard, err := shard.Of(stored.ProductID, s.readShards)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode sale %s: %w", stored.SaleID, err)
	}

	return &domain.Item{
		PK: primaryKey(stored.TenantID, stored.ProductID),
		SK: sortKey(stored.SaleDate, stored.SaleID),
		Indexes: map[string]string{
			domain.IndexCategoryShard: shard.IndexKey(stored.TenantID, "category", stored.Category, writeShard),
			domain.IndexProductShard:  shard.IndexKey(stored.TenantID, "product", stored.ProductID, readShard),
		},
		SortAt:    stored.SaleDate,
		ExpiresAt: stored.ExpiresAt,
		Data:      data,
	}, nil
}

func primaryKey(tenantID, productID string) string {
	return tenantID + string(domain.KeySeparator) + "product:" + productID
}

func sortKey(saleDate time.Time, saleID string) string {
	return saleDate.UTC().Format(sortKeyLayout) + string(domain.KeySeparator) + saleID
}

func decode(tenantID string, item *domain.Item) (*domain.SaleRecord, error) {
	var rec domain.SaleRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, domain.NewStorageError("decode", fmt.Errorf("item %s/%s: %w", item.PK, item.SK, err))
	}
	if rec.TenantID != tenantID {
		return nil, domain.NewStorageError("decode", fmt.Errorf("item %s/%s belongs to another tenant", item.PK, item.SK))
	}
	return &rec, nil
}
