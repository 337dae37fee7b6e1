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

	"github.com/agritrace/agritrace/internal/app"
	"github.com/agritrace/agritrace/internal/audit"
	audithttp "github.com/agritrace/agritrace/internal/audit/http"
	"github.com/agritrace/agritrace/internal/factory"
	factoryhttp "github.com/agritrace/agritrace/internal/factory/http"
	"github.com/agritrace/agritrace/internal/observability"
	"github.com/agritrace/agritrace/internal/platform/cache"
	"github.com/agritrace/agritrace/internal/platform/db"
	"github.com/agritrace/agritrace/internal/rbac"
	"github.com/agritrace/agritrace/internal/shared"
	"github.com/agritrace/agritrace/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	factoryMetrics := factory.NewMetrics(metrics.Registerer())

	repo := factory.NewRepository(dbpool)
	store := factory.NewCachedStore(repo, redisClient, cfg.FactoryCacheTTL, logger)
	factoryService := factory.NewService(store, factory.ServiceConfig{
		Idempotency: shared.NewIdempotencyStore(dbpool),
		Audit:       shared.NewAuditLogger(dbpool),
		Events:      jobClient,
		Metrics:     factoryMetrics,
		Logger:      logger,
	})
	authz := rbac.Middleware{Logger: logger}
	factoryHandler := factoryhttp.NewHandler(logger, factoryService, authz)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), authz)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Sessions:       shared.NewSessionStore(redisClient, cfg.SessionKeyPrefix),
		FactoryHandler: factoryHandler,
		AuditHandler:   auditHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
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
