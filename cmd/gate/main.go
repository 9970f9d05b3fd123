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
	"golang.org/x/sync/errgroup"

	"github.com/shopdesk/gate/internal/app"
	"github.com/shopdesk/gate/internal/audit"
	"github.com/shopdesk/gate/internal/auth"
	"github.com/shopdesk/gate/internal/observability"
	"github.com/shopdesk/gate/internal/platform/cache"
	"github.com/shopdesk/gate/internal/platform/db"
	"github.com/shopdesk/gate/internal/ratelimit"
	"github.com/shopdesk/gate/internal/rbac"
	"github.com/shopdesk/gate/internal/upstream"
	"github.com/shopdesk/gate/jobs"
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
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gate stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	evaluator, err := app.LoadEvaluator(ctx, cfg, rbac.NewRoleRepository(pool))
	if err != nil {
		return err
	}
	logger.Info("roles registered",
		slog.String("source", cfg.RolesSource),
		slog.Int("roles", len(evaluator.Registry().Roles())),
		slog.Any("options", evaluator.Options()),
	)

	limiters, err := ratelimit.Build(cfg.RateLimitBackend, redisClient, cfg.RateLimits()...)
	if err != nil {
		return err
	}

	proxy, err := upstream.New(upstream.Config{URL: cfg.UpstreamURL, Timeout: cfg.UpstreamTimeout}, logger)
	if err != nil {
		return err
	}

	authService := auth.NewService(auth.NewRepository(pool), auth.NewTokenStore(redisClient, cfg.TokenTTL))
	metrics := observability.NewMetrics()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	var reporter *jobs.DenialReporter
	if cfg.AuditDenials {
		client := jobs.NewClient(redisOpts)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		reporter = &jobs.DenialReporter{Queue: client, Logger: logger}
	}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Metrics:       metrics,
		Limiters:      limiters,
		Evaluator:     evaluator,
		Auth:          authService,
		Upstream:      proxy,
		Reporter:      reporter,
		JobHandler:    jobs.NewHandler(inspector, logger),
		AuditTimeline: audit.NewService(audit.NewRepository(pool)),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("upstream", proxy.Target().String()),
			slog.String("ratelimit_backend", cfg.RateLimitBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
