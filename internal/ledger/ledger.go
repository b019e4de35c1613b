// Package ledger is an optional durable audit trail of completed
// invocations, written after a call's result has been published on the
// message bus. It does not participate in in-flight queue durability.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/fnmesh/internal/domain"
)

// Entry is one completed invocation record.
type Entry struct {
	ResultKey  string
	User       string
	Function   string
	Host       string
	DurationMs int64
	ColdStart  bool
	Success    bool
	ErrorMsg   string
	InputSize  int
	OutputSize int
	CreatedAt  time.Time
}

// Ledger persists Entry records to Postgres.
type Ledger struct {
	pool *pgxpool.Pool
}

// New connects to dsn and ensures the invocation_ledger table exists.
func New(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("ledger: dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pool: %w", err)
	}

	l := &Ledger{pool: pool}
	if err := l.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invocation_ledger (
			result_key   TEXT PRIMARY KEY,
			app_user     TEXT NOT NULL,
			function     TEXT NOT NULL,
			host         TEXT NOT NULL,
			duration_ms  BIGINT NOT NULL,
			cold_start   BOOLEAN NOT NULL DEFAULT FALSE,
			success      BOOLEAN NOT NULL DEFAULT TRUE,
			error_msg    TEXT,
			input_size   INTEGER NOT NULL DEFAULT 0,
			output_size  INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ledger: ensure schema: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_invocation_ledger_func_time
		ON invocation_ledger (app_user, function, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("ledger: ensure index: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// Record appends one completed invocation. A duplicate ResultKey is a
// no-op, since result keys are unique per invocation.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO invocation_ledger
			(result_key, app_user, function, host, duration_ms, cold_start, success, error_msg, input_size, output_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (result_key) DO NOTHING
	`, e.ResultKey, e.User, e.Function, e.Host, e.DurationMs, e.ColdStart, e.Success, e.ErrorMsg, e.InputSize, e.OutputSize, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: record: %w", err)
	}
	return nil
}

// RecordMessage builds an Entry from a completed Message and records it.
func RecordMessage(ctx context.Context, l *Ledger, msg *domain.Message, host string, duration time.Duration, coldStart bool, callErr error) error {
	if l == nil {
		return nil
	}
	e := Entry{
		ResultKey:  msg.ResultKey,
		User:       msg.User,
		Function:   msg.Function,
		Host:       host,
		DurationMs: duration.Milliseconds(),
		ColdStart:  coldStart,
		Success:    msg.Success,
		InputSize:  len(msg.InputData),
		OutputSize: len(msg.OutputData),
	}
	if callErr != nil {
		e.ErrorMsg = callErr.Error()
	}
	return l.Record(ctx, e)
}

// Recent returns the most recent entries for a function, newest first.
func (l *Ledger) Recent(ctx context.Context, user, function string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx, `
		SELECT result_key, app_user, function, host, duration_ms, cold_start, success, error_msg, input_size, output_size, created_at
		FROM invocation_ledger
		WHERE app_user = $1 AND function = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, user, function, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var errMsg *string
		if err := rows.Scan(&e.ResultKey, &e.User, &e.Function, &e.Host, &e.DurationMs, &e.ColdStart, &e.Success, &errMsg, &e.InputSize, &e.OutputSize, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		if errMsg != nil {
			e.ErrorMsg = *errMsg
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return out, nil
}
