// Package redisq is a durable at-least-once job queue on Redis. Each job
// is a hash keyed by a ULID; pending ids sit on a waiting list, running
// ids in an active zset scored by their last heartbeat, finished ids in
// completed/failed zsets scored by finish time for retention sweeps.
package redisq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

const (
	keyPrefix    = "queue:research:"
	jobKeyPrefix = keyPrefix + "job:"
	waitingKey   = keyPrefix + "waiting"
	activeKey    = keyPrefix + "active"
	delayedKey   = keyPrefix + "delayed"
	completedKey = keyPrefix + "completed"
	failedKey    = keyPrefix + "failed"
)

const jobTypeResearch = "research"

// Hash field names; the Lua scripts in scripts.go use the same strings.
const (
	fieldID           = "id"
	fieldPayload      = "payload"
	fieldState        = "state"
	fieldProgress     = "progress"
	fieldAttempts     = "attempts_made"
	fieldMaxAttempts  = "max_attempts"
	fieldStalled      = "stalled_count"
	fieldFailedReason = "failed_reason"
	fieldResult       = "result"
	fieldCreatedAt    = "created_at"
	fieldProcessedOn  = "processed_on"
	fieldFinishedOn   = "finished_on"
)

// Options tunes the retry policy stamped onto enqueued jobs.
type Options struct {
	// MaxAttempts counts handler runs, not retries; 2 means one retry.
	MaxAttempts int
	// Backoff is the delay before the first retry; attempt n waits
	// Backoff * 2^(n-1).
	Backoff time.Duration
}

// Queue implements domain.Queue on a Redis client.
type Queue struct {
	rdb         *redis.Client
	maxAttempts int
	backoff     time.Duration
}

var _ domain.Queue = (*Queue)(nil)

func New(rdb *redis.Client, opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 2
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	return &Queue{rdb: rdb, maxAttempts: opts.MaxAttempts, backoff: opts.Backoff}
}

// EnqueueResearch stores the job hash and pushes its id onto the waiting
// list in one transaction, so a visible job is always claimable.
func (q *Queue) EnqueueResearch(ctx domain.Context, payload domain.ResearchTaskPayload) (string, error) {
	const op = "redisq.EnqueueResearch"
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrInternal)
	}
	id := ulid.Make().String()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		fieldID:          id,
		fieldPayload:     string(body),
		fieldState:       string(domain.JobWaiting),
		fieldProgress:    0,
		fieldAttempts:    0,
		fieldMaxAttempts: q.maxAttempts,
		fieldStalled:     0,
		fieldCreatedAt:   time.Now().UnixMilli(),
	})
	pipe.LPush(ctx, waitingKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrInternal)
	}
	observability.EnqueueJob(jobTypeResearch)
	slog.Info("job enqueued",
		slog.String("job_id", id),
		slog.String("session_id", payload.SessionID()))
	return id, nil
}

// Job reads one job hash. Unknown ids map to domain.ErrNotFound.
func (q *Queue) Job(ctx domain.Context, id string) (domain.Job, error) {
	const op = "redisq.Job"
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrInternal)
	}
	if len(fields) == 0 {
		return domain.Job{}, fmt.Errorf("op=%s: job %s: %w", op, id, domain.ErrNotFound)
	}
	return jobFromHash(fields)
}

// SetProgress clamps pct to [0,100] and writes it. Callers own the job
// they report on, so no lock check is done here.
func (q *Queue) SetProgress(ctx domain.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if err := q.rdb.HSet(ctx, jobKey(id), fieldProgress, pct).Err(); err != nil {
		return fmt.Errorf("op=redisq.SetProgress: %v: %w", err, domain.ErrInternal)
	}
	return nil
}

func jobKey(id string) string { return jobKeyPrefix + id }

func jobFromHash(h map[string]string) (domain.Job, error) {
	job := domain.Job{
		ID:           h[fieldID],
		State:        domain.JobState(h[fieldState]),
		Progress:     atoi(h[fieldProgress]),
		AttemptsMade: atoi(h[fieldAttempts]),
		MaxAttempts:  atoi(h[fieldMaxAttempts]),
		StalledCount: atoi(h[fieldStalled]),
		FailedReason: h[fieldFailedReason],
		Result:       h[fieldResult],
		CreatedAt:    msTime(h[fieldCreatedAt]),
		ProcessedOn:  msTimePtr(h[fieldProcessedOn]),
		FinishedOn:   msTimePtr(h[fieldFinishedOn]),
	}
	if raw := h[fieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("op=redisq.jobFromHash: %v: %w", err, domain.ErrInternal)
		}
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func msTimePtr(s string) *time.Time {
	t := msTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}
