// Pricewise - Price suggestions from visually similar sales.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/pricewise/internal/api"
	"github.com/opensource-finance/pricewise/internal/blobstore"
	"github.com/opensource-finance/pricewise/internal/bus"
	"github.com/opensource-finance/pricewise/internal/cache"
	"github.com/opensource-finance/pricewise/internal/config"
	"github.com/opensource-finance/pricewise/internal/domain"
	"github.com/opensource-finance/pricewise/internal/idempotency"
	"github.com/opensource-finance/pricewise/internal/ingest"
	"github.com/opensource-finance/pricewise/internal/pricing"
	"github.com/opensource-finance/pricewise/internal/repository"
	"github.com/opensource-finance/pricewise/internal/sales"
	"github.com/opensource-finance/pricewise/internal/similarity"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $PRICEWISE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pricewise: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting pricewise",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"blob", cfg.Blob.Type,
		"idempotency", cfg.Idempotency.Store,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("pricewise failed", "error", err)
		os.Exit(1)
	}
	slog.Info("pricewise shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	repo.StartExpirySweeper(ctx, cfg.Repository.SweepInterval)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	salesStore := sales.New(repo, cfg.Sales)

	// Initialize Blob Store
	blobs, err := blobstore.New(cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	slog.Info("blob store initialized", "type", cfg.Blob.Type, "bucket", cfg.Blob.Bucket)

	// Initialize Cache
	registry, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer registry.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	searcher, err := similarity.NewSearcher(salesStore, registry, blobs, cfg.Search,
		similarity.WithEmbeddingTTL(cfg.Cache.EmbeddingTTL))
	if err != nil {
		return fmt.Errorf("failed to initialize similarity search: %w", err)
	}
	pricingSvc := pricing.NewService(searcher, pricing.NewEngine())

	// Initialize Idempotency Guard
	guard, err := idempotency.New(cfg.Idempotency, cfg.Cache, repo)
	if err != nil {
		return fmt.Errorf("failed to initialize idempotency guard: %w", err)
	}
	defer guard.Close()
	slog.Info("idempotency guard initialized", "store", cfg.Idempotency.Store, "window", guard.Window())

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	worker := ingest.NewWorker(busImpl, guard, salesStore, cfg.Ingest)
	if err := worker.Start(); err != nil {
		return fmt.Errorf("failed to start ingest worker: %w", err)
	}
	slog.Info("ingest worker started", "tenants", len(cfg.Ingest.Tenants), "workers", cfg.Ingest.Workers)

	srv := api.NewServer(cfg.Server, api.Deps{
		Pricing: pricingSvc,
		Sales:   salesStore,
		Ingest:  worker,
		Bus:     busImpl,
		Cache:   registry,
		Blobs:   blobs,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("pricewise is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop consuming before the stores behind the worker close.
	if err := worker.Stop(); err != nil {
		slog.Error("failed to stop ingest worker", "error", err)
	}
	stats := worker.GetStats()
	slog.Info("ingest worker stopped",
		"processed", stats.Processed,
		"duplicates", stats.Duplicates,
		"failed", stats.Failed,
	)
	return serveErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  PRICEWISE  -  price suggestions from similar sales")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/suggest                      - Suggest a price")
	fmt.Println("    POST /v1/sales                        - Record a sale event")
	fmt.Println("    POST /v1/sales/batch                  - Record sales in bulk")
	fmt.Println("    GET  /v1/products/{productId}/sales   - Sales history of a product")
	fmt.Println("    GET  /v1/cache/stats                  - Tenant cache statistics")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println("    GET  /metrics                         - Prometheus metrics")
	fmt.Println()
}
