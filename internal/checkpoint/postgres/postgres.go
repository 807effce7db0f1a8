// Package postgres provides a PostgreSQL-backed checkpoint.Store.
//
// All operations share a single [pgxpool.Pool]. NewStore runs Migrate to
// ensure the required tables exist; the schema is append-only message history
// plus a one-row-per-thread suspension table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpipe/voxpipe/internal/checkpoint"
)

const ddl = `
CREATE TABLE IF NOT EXISTS thread_messages (
    id         BIGSERIAL    PRIMARY KEY,
    thread_id  TEXT         NOT NULL,
    role       TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_thread_messages_thread
    ON thread_messages (thread_id, id);

CREATE TABLE IF NOT EXISTS thread_suspensions (
    thread_id  TEXT         PRIMARY KEY,
    token      TEXT         NOT NULL,
    prompt     TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Store is a PostgreSQL-backed checkpoint store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ checkpoint.Store = (*Store)(nil)

// NewStore establishes a connection pool to the database at dsn and ensures
// the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the checkpoint tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// History implements checkpoint.Store.
func (s *Store) History(ctx context.Context, threadID string) ([]checkpoint.Message, error) {
	const q = `
		SELECT role, content, created_at
		FROM   thread_messages
		WHERE  thread_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: history: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (checkpoint.Message, error) {
		var m checkpoint.Message
		err := row.Scan(&m.Role, &m.Content, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: scan history: %w", err)
	}
	if msgs == nil {
		msgs = []checkpoint.Message{}
	}
	return msgs, nil
}

// Append implements checkpoint.Store. All messages are written in one
// transaction so a partial turn never lands in the history.
func (s *Store) Append(ctx context.Context, threadID string, msgs ...checkpoint.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO thread_messages (thread_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`
	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.Exec(ctx, q, threadID, m.Role, m.Content, ts); err != nil {
			return fmt.Errorf("checkpoint store: append: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("checkpoint store: commit: %w", err)
	}
	return nil
}

// Suspension implements checkpoint.Store.
func (s *Store) Suspension(ctx context.Context, threadID string) (*checkpoint.Suspension, error) {
	const q = `
		SELECT token, prompt
		FROM   thread_suspensions
		WHERE  thread_id = $1`

	var susp checkpoint.Suspension
	err := s.pool.QueryRow(ctx, q, threadID).Scan(&susp.Token, &susp.Prompt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: suspension: %w", err)
	}
	return &susp, nil
}

// SetSuspension implements checkpoint.Store.
func (s *Store) SetSuspension(ctx context.Context, threadID string, susp checkpoint.Suspension) error {
	const q = `
		INSERT INTO thread_suspensions (thread_id, token, prompt)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id)
		DO UPDATE SET token = EXCLUDED.token, prompt = EXCLUDED.prompt, created_at = now()`

	if _, err := s.pool.Exec(ctx, q, threadID, susp.Token, susp.Prompt); err != nil {
		return fmt.Errorf("checkpoint store: set suspension: %w", err)
	}
	return nil
}

// ClearSuspension implements checkpoint.Store.
func (s *Store) ClearSuspension(ctx context.Context, threadID string) error {
	const q = `DELETE FROM thread_suspensions WHERE thread_id = $1`
	if _, err := s.pool.Exec(ctx, q, threadID); err != nil {
		return fmt.Errorf("checkpoint store: clear suspension: %w", err)
	}
	return nil
}
