package cache

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/pricewise/internal/breaker"
	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/metrics"
)

// Tiered is one tenant's cache: a bounded local tier in front of a remote
// tier that is guarded by the tenant's own circuit breaker.
//
// Remote failures never reach the caller. They degrade hit rate and are
// visible through Stats and the Prometheus counters.
type Tiered struct {
	tenantID      string
	local         *Local
	remote        domain.Cache
	breaker       *breaker.Breaker
	remoteTimeout time.Duration
	defaultTTL    time.Duration

	pending sync.WaitGroup

	localHits         atomic.Uint64
	remoteHits        atomic.Uint64
	misses            atomic.Uint64
	evictions         atomic.Uint64
	remoteRejected    atomic.Uint64
	remoteGetFailures atomic.Uint64
	remoteSetOK       atomic.Uint64
	remoteSetFailures atomic.Uint64
}

// TenantID returns the owning tenant.
func (t *Tiered) TenantID() string {
	return t.tenantID
}

// Breaker returns the breaker guarding the remote tier.
func (t *Tiered) Breaker() *breaker.Breaker {
	return t.breaker
}

// Get checks the local tier, then the remote tier if the breaker allows it.
// Returns nil, nil on a miss; the caller falls back to the source of truth.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if val, ok := t.local.Get(key); ok {
		t.localHits.Add(1)
		metrics.CacheRequests.WithLabelValues(t.tenantID, "local_hit").Inc()
		return val, nil
	}

	val := t.remoteGet(ctx, key)
	if val == nil {
		t.misses.Add(1)
		metrics.CacheRequests.WithLabelValues(t.tenantID, "miss").Inc()
		return nil, nil
	}

	t.storeLocal(key, val, t.defaultTTL)
	t.remoteHits.Add(1)
	metrics.CacheRequests.WithLabelValues(t.tenantID, "remote_hit").Inc()
	return val, nil
}

func (t *Tiered) remoteGet(ctx context.Context, key string) []byte {
	if t.remote == nil {
		return nil
	}
	permit, ok := t.breaker.Allow()
	if !ok {
		t.remoteRejected.Add(1)
		metrics.CacheRemoteOps.WithLabelValues(t.tenantID, "get", "rejected").Inc()
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()

	val, err := t.remote.Get(rctx, t.tenantID, key)
	if err != nil {
		permit.Failure()
		t.remoteGetFailures.Add(1)
		metrics.CacheRemoteOps.WithLabelValues(t.tenantID, "get", "error").Inc()
		slog.Debug("remote cache get failed",
			"error", &domain.CacheUnavailableError{TenantID: t.tenantID, Op: "get", Err: err})
		return nil
	}
	permit.Success()
	metrics.CacheRemoteOps.WithLabelValues(t.tenantID, "get", "ok").Inc()
	return val
}

// Set writes the local tier synchronously and the remote tier in the
// background. It never blocks on, or reports, a remote failure.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	value = bytes.Clone(value)
	t.storeLocal(key, value, ttl)

	if t.remote == nil {
		return nil
	}

	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		t.remoteSet(context.WithoutCancel(ctx), key, value, ttl)
	}()
	return nil
}

func (t *Tiered) remoteSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	permit, ok := t.breaker.Allow()
	if !ok {
		t.remoteRejected.Add(1)
		metrics.CacheRemoteOps.WithLabelValues(t.tenantID, "set", "rejected").Inc()
		return
	}

	wctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()

	if err := t.remote.Set(wctx, t.tenantID, key, value, ttl); err != nil {
		permit.Failure()
		t.remoteSetFailures.Add(1)
		metrics.CacheRemoteOps.WithLabelValues(t.tenantID, "set", "error").Inc()
		slog.Warn("remote cache write failed",
			"error", &domain.CacheUnavailableError{TenantID: t.tenantID, Op: "set", Err: err})
		return
	}
	permit.Success()
	t.remoteSetOK.Add(1)
	metrics.CacheRemoteOps.WithLabelValues(t.tenantID, "set", "ok").Inc()
}

// Delete removes key from both tiers. A remote failure is counted, not returned.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	t.local.Delete(key)
	if t.remote == nil {
		return nil
	}

	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
		defer cancel()
		return t.remote.Delete(dctx, t.tenantID, key)
	})
	if err != nil {
		metrics.CacheRemoteOps.WithLabelValues(t.tenantID, "delete", "error").Inc()
		slog.Debug("remote cache delete failed", "tenant_id", t.tenantID, "error", err)
	}
	return nil
}

// Flush waits for in-flight background writes or ctx cancellation.
func (t *Tiered) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of this tenant's counters.
func (t *Tiered) Stats() domain.CacheStats {
	return domain.CacheStats{
		TenantID:          t.tenantID,
		LocalEntries:      t.local.Len(),
		LocalHits:         t.localHits.Load(),
		RemoteHits:        t.remoteHits.Load(),
		Misses:            t.misses.Load(),
		Evictions:         t.evictions.Load(),
		RemoteRejected:    t.remoteRejected.Load(),
		RemoteGetFailures: t.remoteGetFailures.Load(),
		RemoteSetOK:       t.remoteSetOK.Load(),
		RemoteSetFailures: t.remoteSetFailures.Load(),
		BreakerState:      t.breaker.State().String(),
	}
}

func (t *Tiered) storeLocal(key string, value []byte, ttl time.Duration) {
	if _, evicted := t.local.Set(key, value, ttl); evicted {
		t.evictions.Add(1)
		metrics.CacheEvictions.WithLabelValues(t.tenantID).Inc()
	}
}
