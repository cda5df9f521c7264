package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/pricewise/internal/breaker"
	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
)

// New creates the tenant registry based on configuration.
// For Community tier: local tier only.
// For Pro tier: local tier in front of Redis.
func New(cfg domain.CacheConfig) (*Registry, error) {
	switch cfg.Type {
	case "memory", "":
		return NewRegistry(cfg, nil), nil

	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis cache: %w", err)
		}
		return NewRegistry(cfg, remote), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// Registry owns one Tiered cache, and with it one breaker, per tenant.
// Instances are built lazily on first use and never shared across tenants.
type Registry struct {
	cfg    domain.CacheConfig
	remote domain.Cache
	now    func() time.Time

	mu      sync.Mutex
	tenants map[string]*Tiered
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used by local tiers and breakers.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry. remote may be nil for a local-only cache.
func NewRegistry(cfg domain.CacheConfig, remote domain.Cache, opts ...Option) *Registry {
	if cfg.LocalMaxEntries <= 0 {
		cfg.LocalMaxEntries = 1000
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 2 * time.Second
	}
	if cfg.EmbeddingTTL <= 0 {
		cfg.EmbeddingTTL = 24 * time.Hour
	}
	r := &Registry{
		cfg:     cfg,
		remote:  remote,
		now:     time.Now,
		tenants: make(map[string]*Tiered),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// For returns the tenant's cache, creating it on first use.
func (r *Registry) For(tenantID string) (*Tiered, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tenants[tenantID]; ok {
		return t, nil
	}

	name := "cache-remote:" + tenantID
	t := &Tiered{
		tenantID:      tenantID,
		local:         NewLocal(r.cfg.LocalMaxEntries, r.now),
		remote:        r.remote,
		remoteTimeout: r.cfg.RemoteTimeout,
		defaultTTL:    r.cfg.EmbeddingTTL,
		breaker: breaker.New(breaker.Settings{
			Name:             name,
			FailureThreshold: r.cfg.Breaker.FailureThreshold,
			Cooldown:         r.cfg.Breaker.Cooldown,
			OnStateChange:    onBreakerStateChange,
			Now:              r.now,
		}),
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	r.tenants[tenantID] = t
	return t, nil
}

func onBreakerStateChange(name string, from, to breaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.StateValue(to.String()))
	metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	if to == breaker.Open {
		slog.Warn("circuit breaker opened", "breaker", name, "from", from.String())
		return
	}
	slog.Info("circuit breaker state transition", "breaker", name, "from", from.String(), "to", to.String())
}

// Get retrieves a value from the tenant's cache. Returns nil, nil on a miss.
func (r *Registry) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	t, err := r.For(tenantID)
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, key)
}

// Set stores a value in the tenant's cache.
func (r *Registry) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	t, err := r.For(tenantID)
	if err != nil {
		return err
	}
	return t.Set(ctx, key, value, ttl)
}

// Delete removes a value from the tenant's cache.
func (r *Registry) Delete(ctx context.Context, tenantID string, key string) error {
	t, err := r.For(tenantID)
	if err != nil {
		return err
	}
	return t.Delete(ctx, key)
}

// Stats returns the tenant's cache statistics.
func (r *Registry) Stats(tenantID string) (domain.CacheStats, error) {
	t, err := r.For(tenantID)
	if err != nil {
		return domain.CacheStats{}, err
	}
	return t.Stats(), nil
}

// Tenants lists tenants with an instantiated cache.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush waits for every tenant's pending remote writes.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	tiers := make([]*Tiered, 0, len(r.tenants))
	for _, t := range r.tenants {
		tiers = append(tiers, t)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range tiers {
		if err := t.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", t.tenantID, err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks the remote tier, when one is configured.
func (r *Registry) Ping(ctx context.Context) error {
	if r.remote == nil {
		return nil
	}
	if err := r.remote.Ping(ctx); err != nil {
		return &domain.CacheUnavailableError{Op: "ping", Err: err}
	}
	return nil
}

// Close flushes pending writes and closes the remote tier.
func (r *Registry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RemoteTimeout)
	defer cancel()
	flushErr := r.Flush(ctx)
	if r.remote == nil {
		return flushErr
	}
	return errors.Join(flushErr, r.remote.Close())
}
