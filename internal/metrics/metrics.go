// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tiered cache
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_cache_requests_total",
			Help: "Tiered cache lookups by outcome",
		},
		[]string{"tenant", "result"}, // result: "local_hit", "remote_hit", "miss"
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_cache_evictions_total",
			Help: "Entries evicted from the local tier on overflow",
		},
		[]string{"tenant"},
	)

	CacheRemoteOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_cache_remote_operations_total",
			Help: "Remote cache tier operations by outcome",
		},
		[]string{"tenant", "op", "result"}, // result: "ok", "error", "rejected"
	)

	// Circuit breakers
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricewise_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Similarity search
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewise_search_duration_seconds",
			Help:    "End-to-end similarity search latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"tenant"},
	)

	SearchBudgetExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_search_budget_exceeded_total",
			Help: "Searches slower than the latency budget",
		},
		[]string{"tenant"},
	)

	EmbeddingFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_embedding_fetches_total",
			Help: "Embedding fetches by source and outcome",
		},
		[]string{"source", "result"}, // source: "cache", "blob"; result: "ok", "dropped"
	)

	// Storage
	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_storage_operations_total",
			Help: "Sales store operations by outcome",
		},
		[]string{"op", "result"},
	)

	// Ingestion
	IngestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_ingest_events_total",
			Help: "Ingestion events by outcome",
		},
		[]string{"tenant", "result"}, // result: "processed", "duplicate", "failed"
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewise_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Pricing
	Suggestions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewise_suggestions_total",
			Help: "Pricing suggestions by outcome",
		},
		[]string{"tenant", "result"}, // result: "ok", "insufficient_data", "error"
	)
)

// StateValue maps a breaker state name onto the CircuitBreakerState gauge scale.
func StateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
