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

	"github.com/odyssey-erp/agency-portal/internal/activity"
	"github.com/odyssey-erp/agency-portal/internal/app"
	"github.com/odyssey-erp/agency-portal/internal/auth"
	"github.com/odyssey-erp/agency-portal/internal/observability"
	"github.com/odyssey-erp/agency-portal/internal/platform/cache"
	"github.com/odyssey-erp/agency-portal/internal/platform/db"
	"github.com/odyssey-erp/agency-portal/internal/rbac"
	"github.com/odyssey-erp/agency-portal/internal/requests"
	"github.com/odyssey-erp/agency-portal/internal/shared"
	"github.com/odyssey-erp/agency-portal/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()
	rbacMiddleware := rbac.Middleware{Logger: logger}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
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
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	authService := auth.NewService(auth.NewRepository(dbpool))
	authHandler := auth.NewHandler(auth.HandlerConfig{
		Logger:   logger,
		Service:  authService,
		Sessions: sessionManager,
		CSRF:     csrfManager,
		Guard:    rbac.NewRouteGuard(cfg.RouteDefaultAllow),
		RBAC:     rbacMiddleware,
		Audit:    auditLogger,
		Metrics:  metrics,
	})

	ledger := activity.NewService(activity.NewRepository(dbpool), activity.ServiceConfig{
		Notifier:    jobClient,
		Audit:       auditLogger,
		Idempotency: idempotencyStore,
		Tx:          activity.NewTransactor(dbpool),
		Logger:      logger,
	})
	workspace := requests.NewWorkspace(cfg.Ordering(), requests.WithCapacity(cfg.WorkspaceCapacity))
	requestService := requests.NewService(requests.NewRepository(dbpool), workspace, requests.Config{
		Notifier: jobClient,
		Metrics:  metrics,
		Logger:   logger,
	})
	requestsHandler := requests.NewHandler(logger, requestService, ledger, rbacMiddleware)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		AuthHandler:     authHandler,
		RequestsHandler: requestsHandler,
		JobHandler:      jobs.NewHandler(inspector, logger),
		RBACMiddleware:  rbacMiddleware,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("field_update_ordering", string(workspace.Ordering())),
			slog.Bool("route_default_allow", cfg.RouteDefaultAllow))
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
