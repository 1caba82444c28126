// Package store persists transcripts and session summaries to PostgreSQL.
//
// The core pipeline never blocks on this package: the stream manager
// dispatches writes as background tasks and logs failures. A deployment
// without a database simply runs without a store.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearpath-health/vigil/internal/stream"
)

// DDL is idempotent and runs on every start.
const ddl = `
CREATE TABLE IF NOT EXISTS session_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    word_count  INTEGER      NOT NULL DEFAULT 0,
    provider    TEXT         NOT NULL DEFAULT '',
    realtime    BOOLEAN      NOT NULL DEFAULT FALSE,
    duration_s  DOUBLE PRECISION NOT NULL DEFAULT 0,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_transcripts_session_id
    ON session_transcripts (session_id);

CREATE INDEX IF NOT EXISTS idx_session_transcripts_session_timestamp
    ON session_transcripts (session_id, timestamp);

CREATE TABLE IF NOT EXISTS session_summaries (
    session_id        TEXT         PRIMARY KEY,
    transcript_count  INTEGER      NOT NULL DEFAULT 0,
    full_transcript   TEXT         NOT NULL DEFAULT '',
    final_state       TEXT         NOT NULL DEFAULT '',
    highest_risk      DOUBLE PRECISION NOT NULL DEFAULT 0,
    risk_level        TEXT         NOT NULL DEFAULT 'low',
    realtime_enabled  BOOLEAN      NOT NULL DEFAULT FALSE,
    stt_provider      TEXT         NOT NULL DEFAULT '',
    connected_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    closed_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_risk_level
    ON session_summaries (risk_level);
`

// Store is the PostgreSQL-backed persistence layer. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ stream.Store = (*Store)(nil)

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SaveTranscript implements [stream.Store]. It appends one final
// transcript under sessionID.
func (s *Store) SaveTranscript(ctx context.Context, sessionID string, rec stream.TranscriptRecord) error {
	const q = `
		INSERT INTO session_transcripts
		    (session_id, text, confidence, word_count, provider, realtime, duration_s, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		rec.Text,
		rec.Confidence,
		rec.WordCount,
		rec.Provider,
		rec.Realtime,
		rec.Duration,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: save transcript: %w", err)
	}
	return nil
}

// SaveSessionSummary implements [stream.Store]. A reconnect with the same
// session id overwrites the previous summary.
func (s *Store) SaveSessionSummary(ctx context.Context, sum stream.Summary) error {
	const q = `
		INSERT INTO session_summaries
		    (session_id, transcript_count, full_transcript, final_state,
		     highest_risk, risk_level, realtime_enabled, stt_provider,
		     connected_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (session_id) DO UPDATE SET
		    transcript_count = EXCLUDED.transcript_count,
		    full_transcript  = EXCLUDED.full_transcript,
		    final_state      = EXCLUDED.final_state,
		    highest_risk     = EXCLUDED.highest_risk,
		    risk_level       = EXCLUDED.risk_level,
		    realtime_enabled = EXCLUDED.realtime_enabled,
		    stt_provider     = EXCLUDED.stt_provider,
		    connected_at     = EXCLUDED.connected_at,
		    closed_at        = now()`

	st := sum.SessionState
	_, err := s.pool.Exec(ctx, q,
		sum.SessionID,
		sum.TranscriptCount,
		sum.FullTranscript,
		st.State,
		st.HighestRiskScore,
		string(st.RiskLevel),
		st.RealtimeEnabled,
		st.STTProvider,
		st.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save session summary: %w", err)
	}
	return nil
}

// RecentTranscripts returns the transcripts for sessionID recorded within
// the given duration, oldest first.
func (s *Store) RecentTranscripts(ctx context.Context, sessionID string, within time.Duration) ([]stream.TranscriptRecord, error) {
	const q = `
		SELECT text, confidence, word_count, provider, realtime, duration_s, timestamp
		FROM   session_transcripts
		WHERE  session_id = $1
		  AND  timestamp  >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID, within.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("store: recent transcripts: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (stream.TranscriptRecord, error) {
		var r stream.TranscriptRecord
		err := row.Scan(
			&r.Text,
			&r.Confidence,
			&r.WordCount,
			&r.Provider,
			&r.Realtime,
			&r.Duration,
			&r.Timestamp,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan transcripts: %w", err)
	}
	return recs, nil
}

// Ping verifies database connectivity. Used by the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
