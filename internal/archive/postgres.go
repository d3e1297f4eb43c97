package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    turn_id     TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_id
    ON transcript_entries (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_created
    ON transcript_entries (session_id, created_at);
`

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a PostgreSQL-backed Store sharing one [pgxpool.Pool].
// All operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore establishes a connection pool to the database at dsn and
// ensures the transcript table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Append stores one entry.
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO transcript_entries (session_id, turn_id, role, text, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q,
		e.SessionID, e.Turn, e.Role, e.Text, e.Confidence, e.CreatedAt); err != nil {
		return fmt.Errorf("archive: append: %w", err)
	}
	return nil
}

// List returns all entries of a session in append order.
func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT session_id, turn_id, role, text, confidence, created_at
		FROM transcript_entries
		WHERE session_id = $1
		ORDER BY id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SessionID, &e.Turn, &e.Role, &e.Text, &e.Confidence, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: collect rows: %w", err)
	}
	return entries, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
