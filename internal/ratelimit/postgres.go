package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const windowsTable = "rate_limit_windows"

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresLimiter keeps window counters in Postgres so several processes
// share one budget. The pool is owned by the caller.
type PostgresLimiter struct {
	pool   *pgxpool.Pool
	schema string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// PostgresOption configures a PostgresLimiter.
type PostgresOption func(*PostgresLimiter) error

// WithSchema sets the schema holding the counters table (default "sequelwatch").
func WithSchema(schema string) PostgresOption {
	return func(l *PostgresLimiter) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("ratelimit: invalid schema identifier %q", schema)
		}
		l.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the time source used to pick window buckets.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(l *PostgresLimiter) error {
		if now != nil {
			l.now = now
		}
		return nil
	}
}

// NewPostgresLimiter builds a limiter on pool. Call EnsureSchema before use.
func NewPostgresLimiter(pool *pgxpool.Pool, limit int, window time.Duration, opts ...PostgresOption) (*PostgresLimiter, error) {
	if pool == nil {
		return nil, errors.New("ratelimit: nil pool")
	}
	if err := validate(limit, window); err != nil {
		return nil, err
	}
	l := &PostgresLimiter{
		pool:   pool,
		schema: "sequelwatch",
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// OpenPool connects to dsn and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the schema and counters table when missing.
func (l *PostgresLimiter) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{l.schema}.Sanitize()
	table := l.table()
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			key TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count BIGINT NOT NULL CHECK (count >= 0),
			PRIMARY KEY (key, window_start)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure rate limit schema: %w", err)
		}
	}
	return nil
}

// Allow implements Limiter. The increment only happens when the stored count
// is below the limit; no returned row means the window is full.
func (l *PostgresLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{}, ErrInvalidKey
	}
	now := l.now()
	start := windowStart(now, l.window)
	table := l.table()
	decision := Decision{Limit: l.limit, WindowStart: start}

	var count int64
	err := l.pool.QueryRow(ctx, `
		INSERT INTO `+table+` AS w (key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key, window_start) DO UPDATE
		SET count = w.count + 1
		WHERE w.count < $3
		RETURNING w.count
	`, key, start, l.limit).Scan(&count)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		decision.Count = l.limit
		decision.RetryAfter = start.Add(l.window).Sub(now)
		return decision, nil
	case err != nil:
		return Decision{}, fmt.Errorf("increment rate limit window: %w", err)
	}
	decision.Allowed = true
	decision.Count = count
	return decision, nil
}

// Snapshot reads the counter for key in the current window.
func (l *PostgresLimiter) Snapshot(ctx context.Context, key string) (Window, error) {
	key = strings.TrimSpace(key)
	start := windowStart(l.now(), l.window)
	w := Window{Key: key, Start: start}
	err := l.pool.QueryRow(ctx, `
		SELECT count FROM `+l.table()+` WHERE key = $1 AND window_start = $2
	`, key, start).Scan(&w.Count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Window{}, fmt.Errorf("read rate limit window: %w", err)
	}
	return w, nil
}

// Prune deletes windows that ended before the current one.
func (l *PostgresLimiter) Prune(ctx context.Context) (int64, error) {
	start := windowStart(l.now(), l.window)
	tag, err := l.pool.Exec(ctx, `DELETE FROM `+l.table()+` WHERE window_start < $1`, start)
	if err != nil {
		return 0, fmt.Errorf("prune rate limit windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *PostgresLimiter) table() string {
	return pgx.Identifier{l.schema, windowsTable}.Sanitize()
}
