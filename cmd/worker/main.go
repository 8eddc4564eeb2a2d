// Command worker runs the research pipeline: it claims queued jobs,
// fans the problem statement out to the providers, embeds and clusters
// the ideas and persists the result.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/events"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/app"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/config"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/service/similarity"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them
	// on a dedicated /metrics endpoint so job-queue and provider metrics
	// are scrapeable.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := metricsSrv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// Database connection
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL, postgres.PoolConfig{
		MaxConns:       cfg.DBPoolMax,
		IdleTimeout:    cfg.DBIdleTimeout,
		AcquireTimeout: cfg.DBAcquireTimeout,
	})
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	sessionRepo := postgres.NewSessionRepo(pool, cfg.DBSlowQuery)
	responseRepo := postgres.NewResponseRepo(pool, cfg.DBSlowQuery)
	ideaRepo := postgres.NewIdeaRepo(pool, cfg.DBSlowQuery, cfg.PgvectorEnabled)

	// Queue store
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

	// Provider adapters and the embedding backend
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
	embedder := app.BuildEmbedder(cfg)
	engine := similarity.NewEngine(cfg.ClusterThreshold, cfg.DedupThreshold)

	// Session events are optional; the pipeline runs fine without a broker.
	var publisher domain.EventPublisher
	if cfg.EventsEnabled() {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		if err != nil {
			slog.Error("event producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				slog.Error("failed to close event producer", slog.Any("error", err))
			}
		}()
		publisher = producer
	}

	researchSvc := usecase.NewResearchService(
		sessionRepo, responseRepo, ideaRepo,
		fan, ai.NewResponseParser(), embedder, engine, publisher)

	handler := func(ctx context.Context, job domain.Job, progress func(pct int)) (string, error) {
		out, err := researchSvc.Run(ctx, usecase.ResearchRequest{
			SessionID:        job.Payload.SessionID(),
			ProblemStatement: job.Payload.ProblemStatement,
			Metadata:         job.Payload.Metadata,
			Progress:         progress,
		})
		if err != nil {
			publishJobFailed(ctx, publisher, job, err)
			return "", err
		}
		b, merr := json.Marshal(out)
		if merr != nil {
			return "", fmt.Errorf("op=worker.handler job=%s: encode result: %v: %w", job.ID, merr, domain.ErrInternal)
		}
		return string(b), nil
	}

	worker := redisq.NewWorker(rdb, queue, handler, redisq.WorkerConfig{
		Concurrency:        cfg.QueueConcurrency,
		StallAfter:         cfg.QueueStallAfter,
		MaxStalled:         cfg.QueueMaxStalled,
		CompletedRetention: cfg.QueueCompletedRetention,
		CompletedMax:       cfg.QueueCompletedMax,
		FailedRetention:    cfg.QueueFailedRetention,
	})

	// Sessions stranded in processing by a crashed worker are failed by
	// the janitor so pollers always reach a terminal state.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if janitor := app.NewSessionJanitor(sessionRepo, publisher, cfg.JanitorStaleAfter, cfg.JanitorInterval); janitor != nil {
		go janitor.Run(runCtx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	// Blocks until the context is canceled and in-flight jobs have drained.
	if err := worker.Run(runCtx); err != nil {
		slog.Error("worker error", slog.Any("error", err))
		os.Exit(1)
	}
}

// publishJobFailed emits one job.failed event per failed attempt,
// best-effort.
func publishJobFailed(ctx context.Context, publisher domain.EventPublisher, job domain.Job, cause error) {
	if publisher == nil {
		return
	}
	ev := domain.SessionEvent{
		Type:      domain.EventJobFailed,
		JobID:     job.ID,
		SessionID: job.Payload.SessionID(),
		Detail:    cause.Error(),
		At:        time.Now().UTC(),
	}
	if err := publisher.Publish(ctx, ev); err != nil {
		slog.Warn("job event not published",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
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
