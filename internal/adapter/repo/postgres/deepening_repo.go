package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// DeepeningRepo persists single-provider idea elaborations.
type DeepeningRepo struct {
	Pool PgxPool
	Slow time.Duration
}

// NewDeepeningRepo constructs a DeepeningRepo.
func NewDeepeningRepo(p PgxPool, slow time.Duration) *DeepeningRepo {
	return &DeepeningRepo{Pool: p, Slow: slow}
}

const deepeningColumns = `id, session_id, idea_id, provider, depth_level, prompt_used, result,
	prompt_tokens, completion_tokens, latency_ms, status, created_at`

// Save inserts a deepening record; the typed result document is stored
// as jsonb.
func (r *DeepeningRepo) Save(ctx domain.Context, rec domain.DeepeningRecord) (string, error) {
	tracer := otel.Tracer("repo.deepening")
	ctx, span := tracer.Start(ctx, "deepening.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "deepening_sessions"),
	)
	defer logSlow("deepening.Save", r.Slow, time.Now())

	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return "", fmt.Errorf("op=deepening.save_marshal: %v: %w", err, domain.ErrInternal)
	}
	q := `INSERT INTO deepening_sessions (` + deepeningColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.Pool.Exec(ctx, q, id, rec.SessionID, rec.IdeaID, rec.Provider, rec.DepthLevel,
		rec.PromptUsed, result, rec.PromptTokens, rec.CompletionTokens, rec.LatencyMs, rec.Status, time.Now().UTC())
	if err != nil {
		return "", dbErr("deepening.save", err)
	}
	return id, nil
}
