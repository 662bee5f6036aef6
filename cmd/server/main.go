/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env honored in development)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Wire balance service, processor client, payout engine
  5. Start clearing and payout schedulers
  6. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop schedulers (waits for an in-flight run to finish)
  3. Close database connection
  4. Exit

ENVIRONMENT:
  SERVER_PORT, DB_PATH, LOG_LEVEL, CLEARING_HOUR_UTC, PAYOUT_INTERVAL,
  MINIMUM_PAYOUT, PROCESSOR_BASE_URL, PROCESSOR_API_KEY and friends.
  See config/config.go for the full list and defaults.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fundflow/settlement-engine/api"
	"github.com/fundflow/settlement-engine/config"
	"github.com/fundflow/settlement-engine/jobs"
	"github.com/fundflow/settlement-engine/ledger"
	"github.com/fundflow/settlement-engine/payout"
	"github.com/fundflow/settlement-engine/processor"
	"github.com/fundflow/settlement-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Server.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize store
	if dir := filepath.Dir(cfg.Database.Path); dir != "." && cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("failed to create database directory", zap.String("dir", dir), zap.Error(err))
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Metrics registry (injected, no globals)
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Domain wiring
	balances := ledger.NewService(store, logger.Named("ledger"),
		ledger.WithDefaultClearingPeriod(cfg.Payout.DefaultClearingDays),
	)

	minimum, err := ledger.ParseAmount(cfg.Payout.MinimumAmount)
	if err != nil {
		logger.Fatal("invalid MINIMUM_PAYOUT", zap.String("value", cfg.Payout.MinimumAmount), zap.Error(err))
	}

	proc := processor.NewClient(cfg.Processor.BaseURL, cfg.Processor.APIKey, cfg.Processor.Timeout, logger.Named("processor"))

	engineOpts := []payout.Option{
		payout.WithMinimumPayout(minimum),
		payout.WithCurrency(cfg.Payout.Currency),
		payout.WithTransferTimeout(cfg.Processor.Timeout),
	}
	if cfg.Payout.PreflightCheck && cfg.Payout.PlatformAccount != "" {
		engineOpts = append(engineOpts, payout.WithPreflightCheck(cfg.Payout.PlatformAccount))
	}
	engine := payout.NewEngine(store, balances, proc, logger.Named("payout"), engineOpts...)

	// Schedulers
	tracker := jobs.NewTracker(store, logger.Named("jobs"), registry)

	clearing := jobs.NewClearingJob(store, balances, tracker, logger.Named("clearing"))
	clearing.Hour = cfg.Jobs.ClearingHourUTC
	clearing.Enabled = cfg.Jobs.ClearingEnabled
	clearing.Start()

	payoutJob := jobs.NewPayoutJob(engine, tracker, logger.Named("payouts"))
	payoutJob.Interval = cfg.Jobs.PayoutInterval
	payoutJob.CallDelay = cfg.Jobs.PayoutCallDelay
	payoutJob.BatchLimit = cfg.Jobs.PayoutBatchLimit
	payoutJob.Enabled = cfg.Jobs.PayoutsEnabled
	payoutJob.Start()

	// HTTP server
	handler := api.NewHandler(store, balances, engine, clearing, payoutJob, tracker, logger.Named("api"))
	router := api.NewRouter(handler, registry)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.String("environment", cfg.Server.Environment),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	payoutJob.Stop()
	clearing.Stop()

	logger.Info("server stopped")
}

func newLogger(level, environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
