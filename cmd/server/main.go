// Command server starts the idea aggregation HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai"
	httpserver "github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/app"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/config"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, provider and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL, postgres.PoolConfig{
		MaxConns:       cfg.DBPoolMax,
		IdleTimeout:    cfg.DBIdleTimeout,
		AcquireTimeout: cfg.DBAcquireTimeout,
	})
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	sessionRepo := postgres.NewSessionRepo(pool, cfg.DBSlowQuery)
	responseRepo := postgres.NewResponseRepo(pool, cfg.DBSlowQuery)
	ideaRepo := postgres.NewIdeaRepo(pool, cfg.DBSlowQuery, cfg.PgvectorEnabled)
	deepeningRepo := postgres.NewDeepeningRepo(pool, cfg.DBSlowQuery)

	// Queue store (Redis). The server only enqueues and reads job state;
	// claiming and processing live in the worker binary.
	rdb := redis.NewClient(redisOptions(cfg))
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	queue := redisq.New(rdb, redisq.Options{
		MaxAttempts: cfg.QueueMaxAttempts,
		Backoff:     cfg.QueueBackoff,
	})

	// Provider registry; deepening calls run in-process on the server.
	reg, err := config.LoadProviders(cfg)
	if err != nil {
		slog.Error("provider registry load failed", slog.Any("error", err))
		os.Exit(1)
	}
	fan, err := app.BuildFanout(cfg, reg)
	if err != nil {
		slog.Error("provider adapters init failed", slog.Any("error", err))
		os.Exit(1)
	}
	parser := ai.NewResponseParser()

	// Usecases
	intakeSvc := usecase.NewIntakeService(sessionRepo, queue)
	deepeningSvc := usecase.NewDeepeningService(sessionRepo, ideaRepo, deepeningRepo, fan, parser)
	querySvc := usecase.NewSessionQueryService(sessionRepo, responseRepo, ideaRepo)

	// Readiness checks
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)

	// HTTP server
	srv := httpserver.NewServer(cfg, intakeSvc, deepeningSvc, querySvc, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func redisOptions(cfg config.Config) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}
