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

	"github.com/k9ops/k9ops/cmd/k9ops/cli"
	"github.com/k9ops/k9ops/internal/app"
	"github.com/k9ops/k9ops/internal/auth"
	"github.com/k9ops/k9ops/internal/observability"
	"github.com/k9ops/k9ops/internal/platform/cache"
	"github.com/k9ops/k9ops/internal/platform/db"
	"github.com/k9ops/k9ops/internal/rbac"
	"github.com/k9ops/k9ops/internal/shared"
	"github.com/k9ops/k9ops/internal/users"
	"github.com/k9ops/k9ops/internal/view"
	"github.com/k9ops/k9ops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	localizer := shared.NewLocalizer(cfg.AppLocale)
	sessionManager := shared.NewSessionManager(redisClient, "k9ops_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	templates, err := view.NewEngine(localizer)
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	rbacRepo := rbac.NewRepository(dbpool)
	stamps := rbac.NewRedisStampStore(redisClient, cfg.StampTTL)
	permissionCache := rbac.NewSessionCache(rbacRepo, stamps, logger)
	rbacService := rbac.NewService(rbacRepo, rbac.NewCatalog(), permissionCache, stamps, logger)
	if cfg.SeedCatalogOnStart {
		summary, err := cli.SyncCatalog(ctx, rbacService, "")
		if err != nil {
			logger.Error("seed permission catalog", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("permission catalog ready", slog.Int("created", summary.Created), slog.Int("total", summary.Total))
	} else if err := rbacService.ReloadCatalog(ctx); err != nil {
		logger.Error("load permission catalog", slog.Any("error", err))
		os.Exit(1)
	}
	rbacMiddleware := rbac.Middleware{
		Cache:     permissionCache,
		Localizer: localizer,
		Logger:    logger,
		Metrics:   metrics,
	}
	permissionsHandler := rbac.NewPermissionsHandler(logger, rbacService, rbac.NewExportService(rbacService, rbacRepo), rbacMiddleware, localizer, metrics)

	auditLogger := shared.NewAuditLogger(dbpool)
	authService := auth.NewService(auth.NewRepository(dbpool), auditLogger)
	authHandler := auth.NewHandler(logger, authService, templates, sessionManager, csrfManager, permissionCache, localizer)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	usersService := users.NewService(users.NewRepository(dbpool), jobClient, logger)
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware, localizer)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Templates:          templates,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		PermissionCache:    permissionCache,
		RBACMiddleware:     rbacMiddleware,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		PermissionsHandler: permissionsHandler,
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		HealthCheck: func(r *http.Request) error {
			if err := dbpool.Ping(r.Context()); err != nil {
				return err
			}
			return redisClient.Ping(r.Context()).Err()
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
