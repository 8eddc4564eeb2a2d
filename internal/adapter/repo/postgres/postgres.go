// Package postgres persists research sessions, provider responses, ideas
// and deepening records. Multi-row writes run inside one transaction;
// reads are single statements. Every method opens an otel span and maps
// storage failures onto the domain error taxonomy.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// PgxPool is the minimal subset of pgxpool the repos need; tests stub it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// dbErr maps one statement failure onto the domain taxonomy, preserving
// pgx.ErrNoRows as not-found.
func dbErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrDatabaseError)
}

// logSlow warns about statements exceeding the threshold; observational
// only, the statement result is unaffected. Use as
// defer logSlow(op, threshold, time.Now()).
func logSlow(op string, threshold time.Duration, start time.Time) {
	if threshold <= 0 {
		return
	}
	if d := time.Since(start); d > threshold {
		slog.Warn("slow query",
			slog.String("op", op),
			slog.Int64("duration_ms", d.Milliseconds()),
			slog.Int64("threshold_ms", threshold.Milliseconds()))
	}
}

// vectorLiteral renders an embedding in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
