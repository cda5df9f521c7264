// Package ingest records sale events delivered at least once by the event
// bus, skipping duplicates through the idempotency guard.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
)

// Claimer deduplicates events.
type Claimer interface {
	Claim(ctx context.Context, tenantID, eventType, eventID string, window time.Duration) (bool, error)
	Release(ctx context.Context, tenantID, eventType, eventID string) error
}

// SaleWriter persists a sale record.
type SaleWriter interface {
	Put(ctx context.Context, rec *domain.SaleRecord) error
}

// Outcome is the result of processing one event.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
)

// Worker consumes sale events from the bus.
type Worker struct {
	bus   domain.EventBus
	guard Claimer
	sales SaleWriter
	cfg   domain.IngestConfig

	sem chan struct{}
	wg  sync.WaitGroup

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed  atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64
}

// NewWorker creates an ingestion worker. bus may be nil when events are only
// submitted through Process.
func NewWorker(bus domain.EventBus, guard Claimer, sales SaleWriter, cfg domain.IngestConfig) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 3
	}
	if cfg.WriteBackoff <= 0 {
		cfg.WriteBackoff = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		guard:  guard,
		sales:  sales,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the sales topic of every configured tenant.
func (w *Worker) Start() error {
	if w.bus == nil {
		return fmt.Errorf("ingest worker has no event bus")
	}

	var errs []error
	for _, tenantID := range w.cfg.Tenants {
		if err := w.startTenant(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	slog.Info("ingest workers started",
		"tenant_count", len(w.cfg.Tenants)-len(errs),
		"workers", w.cfg.Workers,
	)
	return errors.Join(errs...)
}

func (w *Worker) startTenant(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicSalesRecorded, func(ctx context.Context, msg *domain.Message) error {
		return w.dispatch(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicSalesRecorded,
	)
	return nil
}

// dispatch hands a message to the pool, waiting for a free worker.
func (w *Worker) dispatch(ctx context.Context, tenantID string, msg *domain.Message) error {
	var evt domain.SaleEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		w.failed.Add(1)
		metrics.IngestEvents.WithLabelValues(tenantID, "failed").Inc()
		return fmt.Errorf("decode sale event %s: %w", msg.ID, err)
	}
	if evt.TenantID == "" {
		evt.TenantID = tenantID
	}
	if evt.TenantID != tenantID {
		w.failed.Add(1)
		metrics.IngestEvents.WithLabelValues(tenantID, "failed").Inc()
		return domain.NewValidationError("tenantId", "does not match the subscription")
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		// Errors are logged and counted by Process.
		_, _ = w.Process(ctx, &evt)
	}()
	return nil
}

// Process records one event. A duplicate is not an error. When the write
// fails after retries the event's marker is released so a redelivery is
// processed, and the error is returned.
func (w *Worker) Process(ctx context.Context, evt *domain.SaleEvent) (Outcome, error) {
	start := time.Now()
	if err := normalize(evt); err != nil {
		w.recordFailure(evt, err)
		return "", err
	}

	claimed, err := w.guard.Claim(ctx, evt.TenantID, evt.EventType, evt.EventID, 0)
	if err != nil {
		w.recordFailure(evt, err)
		return "", err
	}
	if !claimed {
		w.duplicates.Add(1)
		metrics.IngestEvents.WithLabelValues(evt.TenantID, "duplicate").Inc()
		slog.Info("duplicate sale event skipped",
			"tenant_id", evt.TenantID,
			"event_id", evt.EventID,
		)
		return OutcomeDuplicate, nil
	}

	backoff := retry.WithMaxRetries(uint64(w.cfg.WriteAttempts-1), retry.NewExponential(w.cfg.WriteBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := w.sales.Put(ctx, evt.Sale)
		if errors.Is(err, domain.ErrStorage) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if rerr := w.guard.Release(context.WithoutCancel(ctx), evt.TenantID, evt.EventType, evt.EventID); rerr != nil {
			slog.Error("failed to release idempotency marker",
				"tenant_id", evt.TenantID,
				"event_id", evt.EventID,
				"error", rerr,
			)
		}
		w.recordFailure(evt, err)
		return "", err
	}

	w.processed.Add(1)
	metrics.IngestEvents.WithLabelValues(evt.TenantID, "processed").Inc()
	slog.Debug("sale recorded",
		"tenant_id", evt.TenantID,
		"event_id", evt.EventID,
		"sale_id", evt.Sale.SaleID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return OutcomeRecorded, nil
}

func (w *Worker) recordFailure(evt *domain.SaleEvent, err error) {
	w.failed.Add(1)
	tenantID := ""
	eventID := ""
	if evt != nil {
		tenantID, eventID = evt.TenantID, evt.EventID
	}
	metrics.IngestEvents.WithLabelValues(tenantID, "failed").Inc()
	slog.Error("sale event failed",
		"tenant_id", tenantID,
		"event_id", eventID,
		"error", err,
	)
}

// normalize fills defaults and validates an event.
func normalize(evt *domain.SaleEvent) error {
	if evt == nil {
		return domain.NewValidationError("event", "is required")
	}
	if evt.EventID == "" {
		return domain.NewValidationError("eventId", "is required")
	}
	if evt.EventType == "" {
		evt.EventType = domain.EventTypeSaleRecorded
	}
	if evt.Sale == nil {
		return domain.NewValidationError("sale", "is required")
	}
	switch {
	case evt.TenantID == "":
		evt.TenantID = evt.Sale.TenantID
	case evt.Sale.TenantID == "":
		evt.Sale.TenantID = evt.TenantID
	}
	if evt.Sale.TenantID != evt.TenantID {
		return domain.NewValidationError("tenantId", "event and sale tenants differ")
	}
	return evt.Sale.Validate()
}

// Stop unsubscribes and waits for in-flight events.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()

	slog.Info("ingest workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         uint64   `json:"processed"`
	Duplicates        uint64   `json:"duplicates"`
	Failed            uint64   `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Duplicates:        w.duplicates.Load(),
		Failed:            w.failed.Load(),
	}
}
