package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildcore-io/settler/service/builder"
	"github.com/buildcore-io/settler/service/config"
	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/executor"
	"github.com/buildcore-io/settler/service/ledger"
	"github.com/buildcore-io/settler/service/metrics"
	natspkg "github.com/buildcore-io/settler/service/nats"
	"github.com/buildcore-io/settler/service/reconcile"
	"github.com/buildcore-io/settler/service/temporal"
	"github.com/buildcore-io/settler/service/trade"
)

// expirySweepInterval is how often the trade order expiry schedule fires.
// The workflow drains backlogs itself, so the interval only bounds how
// stale an expired order can get.
const expirySweepInterval = time.Minute

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting settlement worker",
		"network", cfg.Network,
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Start ops HTTP server with metrics and health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := dbPool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	opsServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: mux,
	}
	go func() {
		logger.Info("starting ops HTTP server", "addr", cfg.ServerAddr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown ops server", "error", err)
		}
	}()

	// Initialize the multi-endpoint ledger client
	endpoints := make([]ledger.Endpoint, 0, len(cfg.LedgerNodeURLs))
	for _, nodeURL := range cfg.LedgerNodeURLs {
		endpoints = append(endpoints, ledger.Endpoint{
			Name: endpointLabel(nodeURL),
			Node: ledger.NewHTTPNode(nodeURL, nil),
		})
	}
	ledgerClient := ledger.NewClient(endpoints, metricsCollector, logger)
	logger.Info("initialized ledger client", "total_endpoints", len(endpoints))

	// Initialize NATS publisher for settlement events
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Assemble the settlement engines
	tradeCfg := trade.Config{
		FeeAddress:           cfg.TradeFeeAddress,
		MinTransferThreshold: cfg.MinTransferThreshold,
		RoyaltyDelay:         cfg.RoyaltyPaymentDelay,
		ExpiryPageSize:       int32(cfg.ExpiryPageSize),
	}
	tradeEngine := trade.NewEngine(store, tradeCfg, natsPublisher, metricsCollector, logger)

	reconcileEngine := reconcile.NewEngine(store, reconcile.Config{
		Network:              cfg.Network,
		RoyaltyFeeRate:       cfg.RoyaltyFeeRate,
		MinTransferThreshold: cfg.MinTransferThreshold,
		RoyaltyPaymentDelay:  cfg.RoyaltyPaymentDelay,
		Trade:                tradeCfg,
	}, natsPublisher, metricsCollector, logger)

	selector := builder.NewInputSelector(ledgerClient, cfg.LookupAttempts, cfg.LookupDelay, logger)
	executorEngine := executor.NewEngine(store, ledgerClient, selector, executor.Config{
		Network:  cfg.Network,
		HRP:      cfg.AddressHRP,
		MaxRetry: cfg.MaxRetry,
		Rent:     builder.RentStructure{VByteCost: cfg.RentVByteCost},
	}, metricsCollector, logger)

	// Initialize Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	if err := temporalClient.EnsureExpirySchedule(ctx, expirySweepInterval); err != nil {
		logger.Error("failed to ensure expiry schedule", "error", err)
		os.Exit(1)
	}

	// Initialize Temporal worker
	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Reconciler:        reconcileEngine,
		Executor:          executorEngine,
		Trade:             tradeEngine,
		Metrics:           metricsCollector,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("settlement worker initialized, all dependencies ready",
		"ledger_endpoints", len(endpoints),
		"temporal_host", cfg.TemporalHost,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// endpointLabel extracts a short identifier from a node URL for metrics
// labeling, falling back to the raw URL when it does not parse.
func endpointLabel(nodeURL string) string {
	u, err := url.Parse(nodeURL)
	if err != nil || u.Host == "" {
		return nodeURL
	}
	return u.Host
}
