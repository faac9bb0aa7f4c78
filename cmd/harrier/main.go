// Harrier - risk assessment for public procurement.
// Copyright (c) 2025 opensource.procurement
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-procurement/harrier/internal/api"
	"github.com/opensource-procurement/harrier/internal/assess"
	"github.com/opensource-procurement/harrier/internal/bus"
	"github.com/opensource-procurement/harrier/internal/cache"
	"github.com/opensource-procurement/harrier/internal/crawler"
	"github.com/opensource-procurement/harrier/internal/domain"
	"github.com/opensource-procurement/harrier/internal/repository"
	"github.com/opensource-procurement/harrier/internal/rules"
	"github.com/opensource-procurement/harrier/internal/source"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("HARRIER_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("HARRIER_MODE") == "cluster" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize upstream source client and exchange rates
	client := source.NewClient(cfg.Source, logger)
	rates := source.NewRates(cfg.Source, cacheImpl, logger)

	// Build the rule catalogue
	registry := rules.NewCatalogue(rules.Deps{
		Snapshots: repo,
		Rates:     rates,
	})
	slog.Info("rule catalogue initialized", "rules_count", len(registry.Metas()))

	// Initialize the expression engine and load configured rules
	expr, err := rules.NewExprEngine(100)
	if err != nil {
		slog.Error("failed to initialize expression engine", "error", err)
		os.Exit(1)
	}
	if err := loadExprRules(ctx, repo, expr); err != nil {
		slog.Error("failed to load expression rules", "error", err)
		os.Exit(1)
	}
	slog.Info("expression engine initialized", "rules_count", expr.Count())

	// Assessment pipeline
	processor := assess.NewProcessor(registry, expr, logger)
	merger := assess.NewMerger(repo, cfg.Assess, logger)

	// Change-feed worker
	worker := crawler.NewWorker(busImpl, repo, cacheImpl, client, processor, merger, logger)
	if err := worker.Start(); err != nil {
		slog.Error("failed to start crawler", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, cfg.Query, repo, cacheImpl, registry, expr, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the crawler first so no merges race the server shutdown
	if err := worker.Stop(); err != nil {
		slog.Error("failed to stop crawler", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

// loadExprRules loads configured expression rules into the engine.
// All expression rules are configured via POST /api/rules - no hardcoded defaults.
func loadExprRules(ctx context.Context, repo domain.Repository, expr *rules.ExprEngine) error {
	configs, err := repo.ListExprRules(ctx)
	if err != nil {
		slog.Warn("failed to list expression rules from database", "error", err)
		return nil // Start with an empty engine - rules can be added via API
	}

	if len(configs) > 0 {
		slog.Info("loading expression rules from database", "count", len(configs))
		return expr.Reload(configs)
	}

	slog.Info("no expression rules in database - configure via POST /api/rules")
	return nil
}

// applyEnvOverrides applies HARRIER_* environment overrides to the config.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("HARRIER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("HARRIER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HARRIER_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("HARRIER_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("HARRIER_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("HARRIER_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("HARRIER_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("HARRIER_SOURCE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("HARRIER_RATES_URL"); v != "" {
		cfg.Source.RatesURL = v
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HARRIER - procurement risk assessment")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /api/risks/{id}     - Risk assessment by tender id")
	fmt.Println("    GET  /api/risks          - Filtered assessment list")
	fmt.Println("    GET  /api/risks-report   - CSV report")
	fmt.Println("    GET  /api/risks-feed     - Change feed by dateAssessed")
	fmt.Println("    GET  /api/filter-values  - Filterable values and rule status")
	fmt.Println("    GET  /api/rules          - List expression rules")
	fmt.Println("    POST /api/rules          - Create an expression rule")
	fmt.Println("    POST /api/rules/reload   - Hot-reload expression rules")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println()
}
