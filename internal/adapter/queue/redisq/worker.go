package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// retentionSchedule drives the terminal-set sweep inside the worker.
const retentionSchedule = "@every 5m"

// HandlerFunc runs one job attempt. The returned string is stored as the
// job result on success. progress reports percentage milestones.
type HandlerFunc func(ctx context.Context, job domain.Job, progress func(pct int)) (string, error)

type WorkerConfig struct {
	Concurrency int
	// StallAfter is how long a job may go without a heartbeat before the
	// maintenance pass reclaims it.
	StallAfter time.Duration
	// MaxStalled is how many reclaims a job survives before it fails
	// with reason "stalled".
	MaxStalled          int
	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	CompletedRetention  time.Duration
	CompletedMax        int
	FailedRetention     time.Duration
}

// Worker claims jobs from the waiting list and runs them through the
// handler with heartbeats, delayed-retry promotion, stall reclaim and
// retention sweeps.
type Worker struct {
	rdb     *redis.Client
	queue   *Queue
	handler HandlerFunc
	cfg     WorkerConfig
}

func NewWorker(rdb *redis.Client, queue *Queue, handler HandlerFunc, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 3
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 30 * time.Second
	}
	if cfg.MaxStalled < 0 {
		cfg.MaxStalled = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 10 * time.Second
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if cfg.CompletedMax < 1 {
		cfg.CompletedMax = 1000
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 7 * 24 * time.Hour
	}
	return &Worker{rdb: rdb, queue: queue, handler: handler, cfg: cfg}
}

// Run blocks until ctx is canceled and every in-flight job has drained.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("queue worker starting",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("stall_after", w.cfg.StallAfter),
		slog.Int("max_stalled", w.cfg.MaxStalled))

	c := cron.New()
	if _, err := c.AddFunc(retentionSchedule, func() { w.sweepRetention(context.Background()) }); err != nil {
		return fmt.Errorf("op=redisq.Run: %v: %w", err, domain.ErrInternal)
	}
	c.Start()
	defer c.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintenanceLoop(ctx)
	}()
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx)
		}()
	}
	wg.Wait()
	slog.Info("queue worker stopped")
	return nil
}

func (w *Worker) claimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		id, token, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("job claim failed", slog.Any("error", err))
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		if id == "" {
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		w.process(ctx, id, token)
	}
}

// claim pops one waiting job; the token identifies this worker's hold on
// it for the heartbeat and finalize scripts. Empty id means no work.
func (w *Worker) claim(ctx context.Context) (id, token string, err error) {
	token = ulid.Make().String()
	res, err := claimScript.Run(ctx, w.rdb,
		[]string{waitingKey, activeKey},
		time.Now().UnixMilli(), jobKeyPrefix, token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("op=redisq.claim: %v: %w", err, domain.ErrInternal)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return "", "", fmt.Errorf("op=redisq.claim: unexpected reply %T: %w", res, domain.ErrInternal)
	}
	id, _ = vals[0].(string)
	return id, token, nil
}

// process runs one claimed attempt to completion. The handler keeps
// running through shutdown (claimed work drains); only a lost heartbeat
// aborts it early.
func (w *Worker) process(runCtx context.Context, id, token string) {
	base := context.WithoutCancel(runCtx)

	job, err := w.queue.Job(base, id)
	if err != nil {
		slog.Error("claimed job unreadable", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	observability.StartProcessingJob(jobTypeResearch)

	ctx, span := otel.Tracer("queue.worker").Start(base, "job.research",
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.Int("job.attempt", job.AttemptsMade),
		))
	defer span.End()

	procCtx, abort := context.WithCancel(ctx)
	defer abort()
	hbCtx, stopHB := context.WithCancel(base)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeatLoop(hbCtx, id, token, abort)
	}()

	slog.Info("job started",
		slog.String("job_id", id),
		slog.Int("attempt", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts))
	start := time.Now()
	result, err := w.runHandler(procCtx, job)
	stopHB()
	hbWG.Wait()
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		disposition, delayMs, ferr := w.failAttempt(base, id, token, err.Error())
		if ferr != nil {
			observability.FailJob(jobTypeResearch)
			slog.Error("job failure bookkeeping failed",
				slog.String("job_id", id), slog.Any("error", ferr))
			return
		}
		switch disposition {
		case "retried":
			observability.RetryJob(jobTypeResearch)
			slog.Warn("job attempt failed, retry scheduled",
				slog.String("job_id", id),
				slog.Int64("delay_ms", delayMs),
				slog.Duration("duration", elapsed),
				slog.Any("error", err))
		case "lost":
			// Reclaimed by maintenance mid-run; that path already
			// requeued or failed it, we only settle the gauge.
			observability.JobsProcessing.WithLabelValues(jobTypeResearch).Dec()
			slog.Warn("job attempt lost to reclaim", slog.String("job_id", id))
		default:
			observability.FailJob(jobTypeResearch)
			slog.Error("job failed permanently",
				slog.String("job_id", id),
				slog.Int("attempts", job.AttemptsMade),
				slog.Duration("duration", elapsed),
				slog.Any("error", err))
		}
		return
	}

	ok, cerr := w.complete(base, id, token, result)
	if cerr != nil {
		observability.FailJob(jobTypeResearch)
		slog.Error("job completion bookkeeping failed",
			slog.String("job_id", id), slog.Any("error", cerr))
		return
	}
	if !ok {
		observability.JobsProcessing.WithLabelValues(jobTypeResearch).Dec()
		slog.Warn("job finished after reclaim, result dropped", slog.String("job_id", id))
		return
	}
	observability.CompleteJob(jobTypeResearch)
	slog.Info("job completed",
		slog.String("job_id", id),
		slog.Duration("duration", elapsed))
}

// runHandler isolates handler panics into ordinary attempt failures.
func (w *Worker) runHandler(ctx context.Context, job domain.Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked",
				slog.String("job_id", job.ID), slog.Any("panic", r))
			err = fmt.Errorf("op=redisq.process job=%s: handler panic: %v: %w", job.ID, r, domain.ErrInternal)
		}
	}()
	progress := func(pct int) {
		if perr := w.queue.SetProgress(ctx, job.ID, pct); perr != nil {
			slog.Warn("progress update failed",
				slog.String("job_id", job.ID), slog.Any("error", perr))
		}
	}
	return w.handler(ctx, job, progress)
}

func (w *Worker) heartbeatLoop(ctx context.Context, id, token string, onLost func()) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := w.heartbeat(ctx, id, token)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("heartbeat failed", slog.String("job_id", id), slog.Any("error", err))
				continue
			}
			if !ok {
				slog.Warn("job lock lost, aborting attempt", slog.String("job_id", id))
				onLost()
				return
			}
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, id, token string) (bool, error) {
	res, err := heartbeatScript.Run(ctx, w.rdb,
		[]string{activeKey},
		id, time.Now().UnixMilli(), jobKeyPrefix, token).Int64()
	if err != nil {
		return false, fmt.Errorf("op=redisq.heartbeat: %v: %w", err, domain.ErrInternal)
	}
	return res == 1, nil
}

func (w *Worker) complete(ctx context.Context, id, token, result string) (bool, error) {
	res, err := completeScript.Run(ctx, w.rdb,
		[]string{activeKey, completedKey},
		id, time.Now().UnixMilli(), result, jobKeyPrefix, token).Int64()
	if err != nil {
		return false, fmt.Errorf("op=redisq.complete: %v: %w", err, domain.ErrInternal)
	}
	return res == 1, nil
}

// failAttempt reports "retried", "failed" or "lost" plus the retry delay.
func (w *Worker) failAttempt(ctx context.Context, id, token, reason string) (string, int64, error) {
	res, err := failScript.Run(ctx, w.rdb,
		[]string{activeKey, delayedKey, failedKey},
		id, time.Now().UnixMilli(), reason, w.queue.backoff.Milliseconds(), jobKeyPrefix, token).Result()
	if err != nil {
		return "", 0, fmt.Errorf("op=redisq.failAttempt: %v: %w", err, domain.ErrInternal)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", 0, fmt.Errorf("op=redisq.failAttempt: unexpected reply %T: %w", res, domain.ErrInternal)
	}
	disposition, _ := vals[0].(string)
	delayMs, _ := vals[1].(int64)
	return disposition, delayMs, nil
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.maintain(ctx)
		}
	}
}

// maintain promotes due delayed jobs and reclaims stalled active ones.
func (w *Worker) maintain(ctx context.Context) {
	now := time.Now().UnixMilli()

	promoted, err := promoteScript.Run(ctx, w.rdb,
		[]string{delayedKey, waitingKey}, now).Int64()
	if err != nil {
		slog.Error("delayed promotion failed", slog.Any("error", err))
	} else if promoted > 0 {
		slog.Info("delayed jobs promoted", slog.Int64("count", promoted))
	}

	cutoff := now - w.cfg.StallAfter.Milliseconds()
	res, err := reclaimScript.Run(ctx, w.rdb,
		[]string{activeKey, waitingKey, failedKey},
		cutoff, w.cfg.MaxStalled, now, jobKeyPrefix).Result()
	if err != nil {
		slog.Error("stall reclaim failed", slog.Any("error", err))
		return
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		slog.Error("stall reclaim returned unexpected reply", slog.Any("reply", res))
		return
	}
	requeued, _ := vals[0].(int64)
	failed, _ := vals[1].(int64)
	for i := int64(0); i < requeued; i++ {
		observability.StallJob(jobTypeResearch)
	}
	for i := int64(0); i < failed; i++ {
		// The owning worker never finalized these, so the failure
		// counter is settled here. The processing gauge stays with the
		// claimer, which decrements on its own exit path.
		observability.JobsFailedTotal.WithLabelValues(jobTypeResearch).Inc()
	}
	if requeued > 0 || failed > 0 {
		slog.Warn("stalled jobs reclaimed",
			slog.Int64("requeued", requeued),
			slog.Int64("failed", failed))
	}
}

// sweepRetention trims the completed and failed sets per the retention
// policy. Runs on the cron schedule; safe to call directly.
func (w *Worker) sweepRetention(ctx context.Context) {
	now := time.Now().UnixMilli()

	completedRemoved, err := trimScript.Run(ctx, w.rdb,
		[]string{completedKey},
		now-w.cfg.CompletedRetention.Milliseconds(), w.cfg.CompletedMax, jobKeyPrefix).Int64()
	if err != nil {
		slog.Error("completed retention sweep failed", slog.Any("error", err))
	}

	failedRemoved, err := trimScript.Run(ctx, w.rdb,
		[]string{failedKey},
		now-w.cfg.FailedRetention.Milliseconds(), 0, jobKeyPrefix).Int64()
	if err != nil {
		slog.Error("failed retention sweep failed", slog.Any("error", err))
	}

	if completedRemoved > 0 || failedRemoved > 0 {
		slog.Info("retention sweep done",
			slog.Int64("completed_removed", completedRemoved),
			slog.Int64("failed_removed", failedRemoved))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
