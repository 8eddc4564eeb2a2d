package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// PoolConfig carries the pool knobs from application configuration.
type PoolConfig struct {
	MaxConns       int32
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

// Pool wraps pgxpool with a bounded connection acquire: when the pool is
// saturated the statement fails fast with DATABASE_ERROR instead of
// queueing behind the caller's (much longer) request deadline. Statements
// themselves still run under the caller's context.
type Pool struct {
	inner          *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPool builds the instrumented pgx pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string, cfg PoolConfig) (*Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.IdleTimeout > 0 {
		pc.MaxConnIdleTime = cfg.IdleTimeout
	}
	pc.ConnConfig.Tracer = otelpgx.NewTracer()

	inner, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	if err := inner.Ping(ctx); err != nil {
		inner.Close()
		return nil, fmt.Errorf("op=postgres.NewPool: ping: %w", err)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &Pool{inner: inner, acquireTimeout: cfg.AcquireTimeout}, nil
}

// Ping proxies to the underlying pool; used by readiness checks.
func (p *Pool) Ping(ctx context.Context) error { return p.inner.Ping(ctx) }

// Close drains the underlying pool.
func (p *Pool) Close() { p.inner.Close() }

func (p *Pool) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	conn, err := p.inner.Acquire(actx)
	if err != nil {
		// Distinguish saturation from the caller giving up.
		if actx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("op=postgres.acquire: no connection within %s: %w", p.acquireTimeout, domain.ErrDatabaseError)
		}
		return nil, fmt.Errorf("op=postgres.acquire: %w", err)
	}
	return conn, nil
}

// Exec implements PgxPool.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer conn.Release()
	return conn.Exec(ctx, sql, args...)
}

// QueryRow implements PgxPool. The pooled connection is held until Scan.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	conn, err := p.acquire(ctx)
	if err != nil {
		return errRow{err: err}
	}
	return pooledRow{row: conn.QueryRow(ctx, sql, args...), release: conn.Release}
}

// Query implements PgxPool. The pooled connection is held until Close.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &pooledRows{Rows: rows, release: conn.Release}, nil
}

// BeginTx implements PgxPool. The pooled connection is held until the
// transaction commits or rolls back.
func (p *Pool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, txOptions)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &pooledTx{Tx: tx, release: conn.Release}, nil
}

// errRow defers an acquire failure until Scan, matching pgx.Row's
// error-on-scan contract.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type pooledRow struct {
	row     pgx.Row
	release func()
}

func (r pooledRow) Scan(dest ...any) error {
	defer r.release()
	return r.row.Scan(dest...)
}

type pooledRows struct {
	pgx.Rows
	release  func()
	released sync.Once
}

func (r *pooledRows) Close() {
	r.Rows.Close()
	r.released.Do(r.release)
}

type pooledTx struct {
	pgx.Tx
	release func()
	done    sync.Once
}

func (t *pooledTx) Commit(ctx context.Context) error {
	err := t.Tx.Commit(ctx)
	t.done.Do(t.release)
	return err
}

func (t *pooledTx) Rollback(ctx context.Context) error {
	err := t.Tx.Rollback(ctx)
	t.done.Do(t.release)
	return err
}
