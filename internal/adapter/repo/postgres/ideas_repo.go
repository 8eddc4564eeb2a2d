package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// IdeaRepo persists ideas with their clustering and dedup annotations.
// Duplicate references are patched in a second transaction after the
// bulk insert so in-flight rows never point at ids that do not exist yet.
type IdeaRepo struct {
	Pool PgxPool
	Slow time.Duration
	// WriteEmbeddings selects at startup whether the pgvector column is
	// populated; when false embeddings stay in-memory only.
	WriteEmbeddings bool
}

// NewIdeaRepo constructs an IdeaRepo and logs the embedding mode once.
func NewIdeaRepo(p PgxPool, slow time.Duration, writeEmbeddings bool) *IdeaRepo {
	slog.Info("idea repository initialized", slog.Bool("pgvector", writeEmbeddings))
	return &IdeaRepo{Pool: p, Slow: slow, WriteEmbeddings: writeEmbeddings}
}

const ideaColumns = `id, session_id, provider_response_id, provider, title, description, rationale, category,
	confidence_score, novelty_score, tags, cluster_id, is_duplicate, duplicate_of, similarity_to_duplicate, created_at`

// SaveIdeas inserts all ideas inside one transaction, preserving input
// order, and returns the generated ids in that order. Duplicate-of
// references are not written here; see UpdateDuplicateRefs.
func (r *IdeaRepo) SaveIdeas(ctx domain.Context, ideas []domain.Idea) ([]string, error) {
	tracer := otel.Tracer("repo.ideas")
	ctx, span := tracer.Start(ctx, "ideas.SaveIdeas")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "ideas"),
		attribute.Int("db.rows", len(ideas)),
	)
	defer logSlow("ideas.SaveIdeas", r.Slow, time.Now())

	if len(ideas) == 0 {
		return nil, nil
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, dbErr("ideas.save_begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	withVec := `INSERT INTO ideas (` + ideaColumns + `, embedding)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17::vector)`
	withoutVec := `INSERT INTO ideas (` + ideaColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	ids := make([]string, len(ideas))
	now := time.Now().UTC()
	for i, idea := range ideas {
		id := idea.ID
		if id == "" {
			id = uuid.New().String()
		}
		args := []any{
			id, idea.SessionID, idea.ProviderResponseID, idea.Provider,
			idea.Title, idea.Description, idea.Rationale, idea.Category,
			idea.ConfidenceScore, idea.NoveltyScore, idea.Tags,
			idea.ClusterID, idea.IsDuplicate, nil, nil, now,
		}
		q := withoutVec
		if r.WriteEmbeddings && len(idea.Embedding) > 0 {
			q = withVec
			args = append(args, vectorLiteral(idea.Embedding))
		}
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return nil, dbErr("ideas.save_insert", err)
		}
		ids[i] = id
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, dbErr("ideas.save_commit", err)
	}
	return ids, nil
}

// UpdateDuplicateRefs patches duplicate-of references and the triggering
// similarity in a single second-pass transaction.
func (r *IdeaRepo) UpdateDuplicateRefs(ctx domain.Context, updates []domain.DuplicateRef) error {
	tracer := otel.Tracer("repo.ideas")
	ctx, span := tracer.Start(ctx, "ideas.UpdateDuplicateRefs")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "ideas"),
		attribute.Int("db.rows", len(updates)),
	)
	defer logSlow("ideas.UpdateDuplicateRefs", r.Slow, time.Now())

	if len(updates) == 0 {
		return nil
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return dbErr("ideas.dup_begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE ideas SET duplicate_of=$2, similarity_to_duplicate=$3 WHERE id=$1`
	for _, u := range updates {
		tag, err := tx.Exec(ctx, q, u.IdeaID, u.DuplicateOf, u.Similarity)
		if err != nil {
			return dbErr("ideas.dup_update", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=ideas.dup_update: idea %s: %w", u.IdeaID, domain.ErrNotFound)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return dbErr("ideas.dup_commit", err)
	}
	return nil
}

// BySession returns a session's ideas ranked by confidence then novelty;
// uniqueOnly drops flagged duplicates.
func (r *IdeaRepo) BySession(ctx domain.Context, sessionID string, uniqueOnly bool) ([]domain.Idea, error) {
	tracer := otel.Tracer("repo.ideas")
	ctx, span := tracer.Start(ctx, "ideas.BySession")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "ideas"),
	)
	defer logSlow("ideas.BySession", r.Slow, time.Now())

	q := `SELECT ` + ideaColumns + ` FROM ideas WHERE session_id=$1`
	if uniqueOnly {
		q += ` AND is_duplicate=false`
	}
	q += ` ORDER BY confidence_score DESC, novelty_score DESC, created_at ASC, id ASC`

	rows, err := r.Pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, dbErr("ideas.by_session", err)
	}
	defer rows.Close()

	var ideas []domain.Idea
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, dbErr("ideas.by_session_scan", err)
		}
		ideas = append(ideas, idea)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("ideas.by_session_rows", err)
	}
	return ideas, nil
}

// Get loads one idea by id.
func (r *IdeaRepo) Get(ctx domain.Context, id string) (domain.Idea, error) {
	tracer := otel.Tracer("repo.ideas")
	ctx, span := tracer.Start(ctx, "ideas.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "ideas"),
	)
	defer logSlow("ideas.Get", r.Slow, time.Now())

	q := `SELECT ` + ideaColumns + ` FROM ideas WHERE id=$1`
	idea, err := scanIdea(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.Idea{}, dbErr("ideas.get", err)
	}
	return idea, nil
}

func scanIdea(row pgx.Row) (domain.Idea, error) {
	var idea domain.Idea
	err := row.Scan(&idea.ID, &idea.SessionID, &idea.ProviderResponseID, &idea.Provider,
		&idea.Title, &idea.Description, &idea.Rationale, &idea.Category,
		&idea.ConfidenceScore, &idea.NoveltyScore, &idea.Tags,
		&idea.ClusterID, &idea.IsDuplicate, &idea.DuplicateOf, &idea.SimilarityToDuplicate, &idea.CreatedAt)
	return idea, err
}
