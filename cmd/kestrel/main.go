// Kestrel - Fraud detection and audit for fleet driver shifts.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/reporting"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/reprocess"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", profileName(os.Getenv(config.EnvProfile)),
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"rule_set", ruleSetSource(cfg.Evaluation.RuleSetPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics()
	}

	engine, err := rules.NewEngine(cfg.Evaluation.MaxConcurrency)
	if err != nil {
		return fmt.Errorf("rule engine: %w", err)
	}
	defer engine.Close()

	set, err := rules.Load(cfg.Evaluation.RuleSetPath)
	if err != nil {
		return fmt.Errorf("rule set: %w", err)
	}
	if err := engine.Load(set); err != nil {
		return fmt.Errorf("rule set: %w", err)
	}
	slog.Info("rule engine initialized",
		"rule_set", set.Name,
		"version", set.Version,
		"rules_count", engine.RulesCount(),
	)

	calc, err := audit.NewCalculator(cfg.Audit)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	baselines := baseline.NewService(repo, cacheImpl, baseline.Options{
		WindowDays: cfg.Evaluation.BaselineWindowDays,
		MinSample:  cfg.Evaluation.MinBaselineSample,
		CacheTTL:   cfg.Cache.BaselineTTL,
	})
	manager := lifecycle.NewManager(repo, busImpl).WithSupersede(cfg.Reprocess.SupersedeTerminal)
	eval := evaluator.New(repo, baselines, engine, scoring.NewProcessor(), manager).WithMetrics(metrics)

	scheduler := reprocess.NewScheduler(repo, eval, busImpl, cfg.Reprocess).WithMetrics(metrics)
	if err := scheduler.Recover(ctx); err != nil {
		slog.Warn("failed to recover reprocess job state", "error", err)
	}

	shiftWorker := worker.NewWorker(busImpl, eval)
	if err := shiftWorker.Start(worker.Config{Concurrency: cfg.Evaluation.WorkerConcurrency}); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Evaluator:   eval,
		Reports:     reporting.NewService(repo, calc),
		Scheduler:   scheduler,
		Metrics:     metrics,
		RuleSetPath: cfg.Evaluation.RuleSetPath,
		MetricsPath: metricsPath,
		Version:     Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case runErr = <-serverErr:
		slog.Error("server failed", "error", runErr)
	}

	if err := shiftWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// A running job keeps its last checkpoint; Recover marks it interrupted
	// on the next start.
	if scheduler.Stop() {
		if err := scheduler.Wait(shutdownCtx); err != nil {
			slog.Warn("reprocess job still running at shutdown", "error", err)
		}
	}

	return runErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func profileName(p string) string {
	if p == "" {
		return "standalone"
	}
	return p
}

func ruleSetSource(path string) string {
	if path == "" {
		return "embedded"
	}
	return path
}
