package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elev8tion/agentdesk/internal/adapters/agentrpc"
	"github.com/elev8tion/agentdesk/internal/adapters/duckdb"
	appconfig "github.com/elev8tion/agentdesk/internal/config"
	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/internal/core/services"
	"github.com/elev8tion/agentdesk/pkg/kernel"
	"github.com/rs/cors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting agentdesk")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := appconfig.New()
	if err != nil {
		return err
	}

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	worker := agentrpc.NewClient(cfg.WorkerURL, cfg.CallbackBaseURL+"/v1/callbacks")

	// Core services
	eventBus := services.NewEventBus(logger)
	registry := services.NewJobRegistry(logger, repo, eventBus)

	ledger := services.NewBudgetLedger(logger, eventBus, repo, services.LedgerConfig{
		Total:         domain.DollarsToMicro(cfg.BudgetUSD),
		Cadence:       cfg.Cadence(),
		Thresholds:    cfg.AlertThresholds,
		CheckInterval: cfg.ResetCheckPeriod,
	})

	orchestrator := services.NewOrchestrator(logger, registry, ledger, worker, services.OrchestratorConfig{
		MaxConcurrent:   cfg.MaxConcurrentJobs,
		MaxRetries:      cfg.MaxRetries,
		DefaultEstimate: domain.DollarsToMicro(cfg.DefaultEstimate),
	})

	watchdog := services.NewWatchdog(logger, registry, orchestrator, services.WatchdogConfig{
		StallTimeout: cfg.StallTimeout,
		ScanInterval: cfg.WatchdogInterval,
	})

	gateway := services.NewSyncGateway(logger, eventBus, registry)

	apiServer := kernel.NewServer(logger, orchestrator, registry, ledger, gateway, eventBus)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(apiServer.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Budget reset timer
	g.Go(func() error {
		return ledger.Run(gCtx)
	})

	// 2. Stalled-job watchdog
	g.Go(func() error {
		return watchdog.Run(gCtx)
	})

	// 3. Sync gateway reconciliation loop
	g.Go(func() error {
		return gateway.Run(gCtx)
	})

	// 4. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 5. Graceful shutdown for API server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
