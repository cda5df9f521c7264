package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/ingest"
	"github.com/opensource-finance/pricewise/internal/pricing"
)

// MaxBatchSales caps the records of one batch request.
const MaxBatchSales = 500

// Suggester prices items.
type Suggester interface {
	Suggest(ctx context.Context, tenantID string, req pricing.SuggestRequest) (*domain.PricingSuggestion, error)
}

// SalesStore is the part of the sales store the API serves.
type SalesStore interface {
	QueryByProduct(ctx context.Context, tenantID, productID string, from, to time.Time) ([]*domain.SaleRecord, error)
	BatchPut(ctx context.Context, recs []*domain.SaleRecord) []domain.BatchItemResult
	Ping(ctx context.Context) error
}

// EventProcessor records sale events synchronously.
type EventProcessor interface {
	Process(ctx context.Context, evt *domain.SaleEvent) (ingest.Outcome, error)
}

// CacheStatter reports per-tenant cache statistics.
type CacheStatter interface {
	Stats(tenantID string) (domain.CacheStats, error)
	Ping(ctx context.Context) error
}

// Pinger is a dependency with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components behind the API. Nil components disable the routes
// that need them.
type Deps struct {
	Pricing Suggester
	Sales   SalesStore
	Ingest  EventProcessor
	Bus     domain.EventBus
	Cache   CacheStatter
	Blobs   Pinger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{deps: deps, version: version, now: time.Now}
}

// SuggestResponse is the response for POST /v1/suggest.
type SuggestResponse struct {
	*domain.PricingSuggestion
	Metadata ResponseMetadata `json:"metadata"`
}

// ResponseMetadata accompanies API responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// Suggest handles POST /v1/suggest.
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	if h.deps.Pricing == nil {
		unavailable(w, "pricing")
		return
	}

	var req pricing.SuggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	suggestion, err := h.deps.Pricing.Suggest(ctx, GetTenantID(ctx), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SuggestResponse{
		PricingSuggestion: suggestion,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// RecordSale handles POST /v1/sales. The event is recorded synchronously,
// or published to the bus when ?async=true.
func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var evt domain.SaleEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if evt.TenantID == "" {
		evt.TenantID = tenantID
	}
	if evt.TenantID != tenantID {
		writeError(w, r, domain.NewValidationError("tenantId", "does not match X-Tenant-ID"))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if h.deps.Bus == nil {
			unavailable(w, "event bus")
			return
		}
		if evt.EventID == "" {
			writeError(w, r, domain.NewValidationError("eventId", "is required"))
			return
		}
		payload, err := json.Marshal(&evt)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := h.deps.Bus.Publish(ctx, tenantID, domain.TopicSalesRecorded, payload); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"eventId": evt.EventID,
			"status":  "accepted",
		})
		return
	}

	if h.deps.Ingest == nil {
		unavailable(w, "ingestion")
		return
	}
	outcome, err := h.deps.Ingest.Process(ctx, &evt)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if outcome == ingest.OutcomeDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{
		"eventId": evt.EventID,
		"status":  string(outcome),
	})
}

// BatchSalesRequest is the request body for POST /v1/sales/batch.
type BatchSalesRequest struct {
	Sales []*domain.SaleRecord `json:"sales"`
}

// BatchSalesResponse reports one result per submitted record.
type BatchSalesResponse struct {
	Written int                      `json:"written"`
	Failed  int                      `json:"failed"`
	Results []domain.BatchItemResult `json:"results"`
}

// BatchSales handles POST /v1/sales/batch. Partial failures are reported
// per record with 207 Multi-Status.
func (h *Handler) BatchSales(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	if h.deps.Sales == nil {
		unavailable(w, "sales store")
		return
	}

	var req BatchSalesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	switch {
	case len(req.Sales) == 0:
		writeError(w, r, domain.NewValidationError("sales", "must not be empty"))
		return
	case len(req.Sales) > MaxBatchSales:
		writeError(w, r, domain.NewValidationError("sales", "exceeds the batch limit"))
		return
	}
	for _, rec := range req.Sales {
		if rec == nil {
			continue
		}
		if rec.TenantID == "" {
			rec.TenantID = tenantID
		}
		if rec.TenantID != tenantID {
			writeError(w, r, domain.NewValidationError("tenantId", "does not match X-Tenant-ID"))
			return
		}
	}

	results := h.deps.Sales.BatchPut(ctx, req.Sales)
	resp := BatchSalesResponse{Results: results}
	for _, res := range results {
		if res.OK() {
			resp.Written++
		} else {
			resp.Failed++
		}
	}

	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// ProductSales handles GET /v1/products/{productId}/sales?from=&to=.
// Bounds are RFC 3339; the default window is the last year.
func (h *Handler) ProductSales(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Sales == nil {
		unavailable(w, "sales store")
		return
	}

	productID := chi.URLParam(r, "productId")
	to := h.now()
	from := to.AddDate(-1, 0, 0)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, domain.NewValidationError("from", "must be RFC 3339"))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, domain.NewValidationError("to", "must be RFC 3339"))
			return
		}
	}
	if to.Before(from) {
		writeError(w, r, domain.NewValidationError("to", "must not precede from"))
		return
	}

	records, err := h.deps.Sales.QueryByProduct(ctx, GetTenantID(ctx), productID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.SaleRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"productId": productID,
		"count":     len(records),
		"sales":     records,
	})
}

// CacheStats handles GET /v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	stats, err := h.deps.Cache.Stats(GetTenantID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]Pinger{
		"sales": h.deps.Sales,
		"cache": h.deps.Cache,
		"blobs": h.deps.Blobs,
		"bus":   h.deps.Bus,
	}
	for name, dep := range checks {
		if dep == nil {
			continue
		}
		if err := dep.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStorage), errors.Is(err, domain.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func unavailable(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": component + " not available",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
