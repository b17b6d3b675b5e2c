package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const transcriptSchema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	utterance_id TEXT NOT NULL DEFAULT '',
	speaker TEXT NOT NULL,
	content TEXT NOT NULL,
	degraded BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_entries_session
	ON transcript_entries (session_id, id);
`

// OpenPool connects to Postgres and ensures the transcript schema exists.
// One pool serves every session in the process.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(initCtx, transcriptSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init transcript schema: %w", err)
	}
	return pool, nil
}

// PostgresStore appends one session's entries to a shared pool. Each sink
// owns one store and writes from a single goroutine; the pool is shared
// across sessions and closed by the process, not by the store.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sessionID string
}

func NewPostgresStore(pool *pgxpool.Pool, sessionID string) *PostgresStore {
	return &PostgresStore{pool: pool, sessionID: sessionID}
}

func (s *PostgresStore) Append(e LogEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_entries (session_id, utterance_id, speaker, content, degraded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.sessionID, e.UtteranceID, string(e.Speaker), e.Text, e.Degraded, ts.UTC())
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return nil }
