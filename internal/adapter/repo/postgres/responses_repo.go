package postgres

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// ResponseRepo persists per-provider attempt rows.
type ResponseRepo struct {
	Pool PgxPool
	Slow time.Duration
}

// NewResponseRepo constructs a ResponseRepo.
func NewResponseRepo(p PgxPool, slow time.Duration) *ResponseRepo {
	return &ResponseRepo{Pool: p, Slow: slow}
}

const responseColumns = `id, session_id, provider, model, status, raw_text, error_message, prompt_tokens, completion_tokens, latency_ms, created_at`

func (r *ResponseRepo) insert(ctx domain.Context, op string, resp domain.ProviderResponse) (string, error) {
	id := resp.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO llm_responses (` + responseColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, resp.SessionID, resp.Provider, resp.Model, resp.Status,
		resp.RawText, resp.ErrorMessage, resp.PromptTokens, resp.CompletionTokens, resp.LatencyMs, time.Now().UTC())
	if err != nil {
		return "", dbErr(op, err)
	}
	return id, nil
}

// SaveSuccess records a fulfilled attempt and returns its row id.
func (r *ResponseRepo) SaveSuccess(ctx domain.Context, resp domain.ProviderResponse) (string, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.SaveSuccess")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "llm_responses"),
	)
	defer logSlow("responses.SaveSuccess", r.Slow, time.Now())

	resp.Status = domain.ResponseSuccess
	return r.insert(ctx, "responses.save_success", resp)
}

// SaveFailure records a rejected attempt. Callers treat errors here as
// non-fatal.
func (r *ResponseRepo) SaveFailure(ctx domain.Context, resp domain.ProviderResponse) error {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.SaveFailure")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "llm_responses"),
	)
	defer logSlow("responses.SaveFailure", r.Slow, time.Now())

	resp.Status = domain.ResponseFailed
	_, err := r.insert(ctx, "responses.save_failure", resp)
	return err
}

// PurgeSuccesses deletes a session's successful attempt rows; their idea
// subtrees go with them via the ownership cascade. Failure rows stay as
// attempt history. Used when an interrupted run is retried so the re-run
// starts from a clean slate.
func (r *ResponseRepo) PurgeSuccesses(ctx domain.Context, sessionID string) error {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.PurgeSuccesses")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "llm_responses"),
	)
	defer logSlow("responses.PurgeSuccesses", r.Slow, time.Now())

	q := `DELETE FROM llm_responses WHERE session_id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, sessionID, domain.ResponseSuccess)
	if err != nil {
		return dbErr("responses.purge_successes", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("stale attempt rows purged before re-run",
			slog.String("session_id", sessionID),
			slog.Int64("responses", n))
	}
	return nil
}

// Latest returns the most recent response for a session, or nil when the
// session has none.
func (r *ResponseRepo) Latest(ctx domain.Context, sessionID string) (*domain.ProviderResponse, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.Latest")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "llm_responses"),
	)
	defer logSlow("responses.Latest", r.Slow, time.Now())

	q := `SELECT ` + responseColumns + ` FROM llm_responses WHERE session_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, sessionID)
	var resp domain.ProviderResponse
	err := row.Scan(&resp.ID, &resp.SessionID, &resp.Provider, &resp.Model, &resp.Status,
		&resp.RawText, &resp.ErrorMessage, &resp.PromptTokens, &resp.CompletionTokens, &resp.LatencyMs, &resp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("responses.latest", err)
	}
	return &resp, nil
}

// ListBySession returns every attempt row of a session in creation order.
func (r *ResponseRepo) ListBySession(ctx domain.Context, sessionID string) ([]domain.ProviderResponse, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.ListBySession")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "llm_responses"),
	)
	defer logSlow("responses.ListBySession", r.Slow, time.Now())

	q := `SELECT ` + responseColumns + ` FROM llm_responses WHERE session_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, dbErr("responses.list", err)
	}
	defer rows.Close()

	var out []domain.ProviderResponse
	for rows.Next() {
		var resp domain.ProviderResponse
		if err := rows.Scan(&resp.ID, &resp.SessionID, &resp.Provider, &resp.Model, &resp.Status,
			&resp.RawText, &resp.ErrorMessage, &resp.PromptTokens, &resp.CompletionTokens, &resp.LatencyMs, &resp.CreatedAt); err != nil {
			return nil, dbErr("responses.list_scan", err)
		}
		out = append(out, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("responses.list_rows", err)
	}
	return out, nil
}
