package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// Server owns the router and the listening http.Server.
type Server struct {
	cfg    domain.ServerConfig
	router chi.Router
	http   *http.Server
}

func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	h := NewHandler(deps, version)

	r := chi.NewRouter()
	r.Use(CORSMiddleware, RecoverMiddleware, TracingMiddleware, LoggingMiddleware)
	r.Use(middleware.RealIP, middleware.Compress(5))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Everything under /v1 is tenant scoped.
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(TenantMiddleware)
		v1.Post("/suggest", h.Suggest)
		v1.Post("/sales", h.RecordSale)
		v1.Post("/sales/batch", h.BatchSales)
		v1.Get("/products/{productId}/sales", h.ProductSales)
		v1.Get("/cache/stats", h.CacheStats)
	})

	return &Server{cfg: cfg, router: r}
}

// Start blocks serving HTTP until Shutdown; it then returns
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  seconds(s.cfg.ReadTimeout),
		WriteTimeout: seconds(s.cfg.WriteTimeout),
		IdleTimeout:  2 * time.Minute,
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the handler tree for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
