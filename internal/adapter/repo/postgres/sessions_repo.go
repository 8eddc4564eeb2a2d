package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// SessionRepo persists research sessions.
type SessionRepo struct {
	Pool PgxPool
	Slow time.Duration
}

// NewSessionRepo constructs a SessionRepo; slow is the slow-query WARN
// threshold.
func NewSessionRepo(p PgxPool, slow time.Duration) *SessionRepo {
	return &SessionRepo{Pool: p, Slow: slow}
}

// Create inserts a pending session and returns it.
func (r *SessionRepo) Create(ctx domain.Context, problem string, meta map[string]any) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "research_sessions"),
	)
	defer logSlow("sessions.Create", r.Slow, time.Now())

	if meta == nil {
		meta = map[string]any{}
	}
	now := time.Now().UTC()
	s := domain.Session{
		ID:               uuid.New().String(),
		ProblemStatement: problem,
		Status:           domain.SessionPending,
		Metadata:         meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	q := `INSERT INTO research_sessions (id, problem_statement, status, metadata, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, s.ID, s.ProblemStatement, s.Status, s.Metadata, s.CreatedAt, s.UpdatedAt); err != nil {
		return domain.Session{}, dbErr("sessions.create", err)
	}
	return s, nil
}

// UpdateStatus moves a session to the given status. Re-applying the
// current status is a no-op success.
func (r *SessionRepo) UpdateStatus(ctx domain.Context, id string, status domain.SessionStatus) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "research_sessions"),
	)
	defer logSlow("sessions.UpdateStatus", r.Slow, time.Now())

	q := `UPDATE research_sessions SET status=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return dbErr("sessions.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sessions.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads a session by id. Soft-deleted sessions are still readable;
// only listings hide them.
func (r *SessionRepo) Get(ctx domain.Context, id string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "research_sessions"),
	)
	defer logSlow("sessions.Get", r.Slow, time.Now())

	q := `SELECT id, problem_statement, status, metadata, created_at, updated_at, deleted_at FROM research_sessions WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var s domain.Session
	if err := row.Scan(&s.ID, &s.ProblemStatement, &s.Status, &s.Metadata, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt); err != nil {
		return domain.Session{}, dbErr("sessions.get", err)
	}
	return s, nil
}

// List returns a page of non-deleted sessions, newest first, plus the
// total count matching the filter.
func (r *SessionRepo) List(ctx domain.Context, f domain.SessionFilter) ([]domain.Session, int, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "research_sessions"),
	)
	defer logSlow("sessions.List", r.Slow, time.Now())

	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := `WHERE deleted_at IS NULL`
	args := []any{}
	if f.Status != nil {
		args = append(args, *f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	countQ := `SELECT COUNT(*) FROM research_sessions ` + where
	if err := r.Pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, dbErr("sessions.list_count", err)
	}

	args = append(args, f.Limit)
	limitPos := len(args)
	args = append(args, f.Offset)
	q := fmt.Sprintf(`SELECT id, problem_statement, status, metadata, created_at, updated_at, deleted_at
	FROM research_sessions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, limitPos, limitPos+1)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, dbErr("sessions.list", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.ProblemStatement, &s.Status, &s.Metadata, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt); err != nil {
			return nil, 0, dbErr("sessions.list_scan", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dbErr("sessions.list_rows", err)
	}
	return sessions, total, nil
}

// SoftDelete hides a session from listings. Deleting an already-hidden
// or unknown session reports not-found.
func (r *SessionRepo) SoftDelete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.SoftDelete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "research_sessions"),
	)
	defer logSlow("sessions.SoftDelete", r.Slow, time.Now())

	q := `UPDATE research_sessions SET deleted_at=$2, updated_at=$2 WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return dbErr("sessions.soft_delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sessions.soft_delete: %w", domain.ErrNotFound)
	}
	return nil
}
