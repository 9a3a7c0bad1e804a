// Package postgres provides a PostgreSQL-backed implementation of
// [history.Store].
//
// Sessions live in a sessions table; transcript entries live in a child
// session_transcripts table and are replaced wholesale on save, which matches
// how the engine writes: once at session end, with the finalized transcript.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/embercoach/voicelink/pkg/history"
)

var _ history.Store = (*Store)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_sessions_user_started
    ON sessions (user_id, started_at DESC);

CREATE TABLE IF NOT EXISTS session_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    position    INT          NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_transcripts_session
    ON session_transcripts (session_id, position);
`

// Migrate creates or ensures the required tables exist. Idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store implements [history.Store] over a pgx connection pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, runs the migration, and returns a ready store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool wraps an existing pool without migrating. The caller
// retains ownership of the pool.
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// CreateSession implements [history.Store].
func (s *Store) CreateSession(ctx context.Context, userID string) (history.Record, error) {
	const q = `
		INSERT INTO sessions (id, user_id)
		VALUES (gen_random_uuid()::text, $1)
		RETURNING id, started_at`

	var rec history.Record
	rec.UserID = userID
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&rec.ID, &rec.StartedAt); err != nil {
		return history.Record{}, fmt.Errorf("history store: create session: %w", err)
	}
	return rec, nil
}

// SaveSession implements [history.Store]. The transcript is replaced
// atomically: old entries are deleted and the record's entries inserted in
// one transaction.
func (s *Store) SaveSession(ctx context.Context, rec history.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history store: save session: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO sessions (id, user_id, started_at, ended_at)
		VALUES ($1, $2, $3, NULLIF($4, '0001-01-01T00:00:00Z'::timestamptz))
		ON CONFLICT (id) DO UPDATE
		SET ended_at = EXCLUDED.ended_at`
	if _, err := tx.Exec(ctx, upsert, rec.ID, rec.UserID, rec.StartedAt, rec.EndedAt); err != nil {
		return fmt.Errorf("history store: save session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM session_transcripts WHERE session_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("history store: save session: clear transcript: %w", err)
	}

	const insert = `
		INSERT INTO session_transcripts (session_id, position, speaker, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)`
	for i, e := range rec.Entries {
		if _, err := tx.Exec(ctx, insert, rec.ID, i, string(e.Speaker), e.Text, e.Timestamp); err != nil {
			return fmt.Errorf("history store: save session: write entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history store: save session: commit: %w", err)
	}
	return nil
}

// LoadSessions implements [history.Store]. Records are returned most recent
// first, each with its full transcript.
func (s *Store) LoadSessions(ctx context.Context, userID string) ([]history.Record, error) {
	const q = `
		SELECT id, user_id, started_at, COALESCE(ended_at, '0001-01-01T00:00:00Z'::timestamptz)
		FROM   sessions
		WHERE  user_id = $1
		ORDER  BY started_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("history store: load sessions: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Record, error) {
		var r history.Record
		err := row.Scan(&r.ID, &r.UserID, &r.StartedAt, &r.EndedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan sessions: %w", err)
	}

	for i := range records {
		entries, err := s.loadTranscript(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Entries = entries
	}
	if records == nil {
		records = []history.Record{}
	}
	return records, nil
}

func (s *Store) loadTranscript(ctx context.Context, sessionID string) ([]history.TranscriptEntry, error) {
	const q = `
		SELECT speaker, text, timestamp
		FROM   session_transcripts
		WHERE  session_id = $1
		ORDER  BY position`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history store: load transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.TranscriptEntry, error) {
		var e history.TranscriptEntry
		var speaker string
		if err := row.Scan(&speaker, &e.Text, &e.Timestamp); err != nil {
			return history.TranscriptEntry{}, err
		}
		e.Speaker = history.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan transcript: %w", err)
	}
	return entries, nil
}

// DeleteSession implements [history.Store]. Transcript rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("history store: delete session: %w", err)
	}
	return nil
}
