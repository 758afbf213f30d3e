package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/k9ops/k9ops/internal/app"
	jobmetrics "github.com/k9ops/k9ops/internal/jobs"
	"github.com/k9ops/k9ops/internal/observability"
	"github.com/k9ops/k9ops/internal/platform/cache"
	"github.com/k9ops/k9ops/internal/platform/db"
	"github.com/k9ops/k9ops/internal/rbac"
	"github.com/k9ops/k9ops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Grants made here only touch stamps; web sessions rebuild on their next request.
	rbacRepo := rbac.NewRepository(pool)
	stamps := rbac.NewRedisStampStore(redisClient, cfg.StampTTL)
	rbacService := rbac.NewService(rbacRepo, rbac.NewCatalog(), nil, stamps, logger)
	if err := rbacService.ReloadCatalog(ctx); err != nil {
		logger.Warn("initial catalog load", slog.Any("error", err))
	}

	metrics := observability.NewMetrics()
	tracker := jobmetrics.NewMetrics(metrics.Registerer(), metrics)
	baselineJob := jobs.NewBaselineJob(rbacService, logger, tracker)
	catalogJob := &jobs.CatalogSyncJob{Reloader: rbacService, Logger: logger, Metrics: tracker}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermissionsBaseline, Handler: baselineJob.Handle},
			{Type: jobs.TaskPermissionsCatalogSync, Handler: catalogJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: jobs.NewCatalogSyncTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
