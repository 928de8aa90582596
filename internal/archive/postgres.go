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
    id              BIGSERIAL    PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    text            TEXT         NOT NULL,
    word_count      INT          NOT NULL DEFAULT 0,
    processing_time DOUBLE PRECISION NOT NULL DEFAULT 0,
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_timestamp
    ON transcript_entries (session_id, timestamp);
`

// PostgresStore is the durable [Store] backed by a transcript_entries table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn, verifies the connection,
// and ensures the schema exists.
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

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	if entry.Text == "" {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	const q = `
		INSERT INTO transcript_entries (session_id, text, word_count, processing_time, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		entry.SessionID,
		entry.Text,
		entry.WordCount,
		entry.ProcessingTime,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: append: %w", err)
	}
	return nil
}

// Transcript implements [Store].
func (s *PostgresStore) Transcript(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	const q = `
		SELECT session_id, text, word_count, processing_time, timestamp
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY timestamp
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SessionID, &e.Text, &e.WordCount, &e.ProcessingTime, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan transcript: %w", err)
	}
	return entries, nil
}

// Close implements [Store].
func (s *PostgresStore) Close() {
	s.pool.Close()
}
