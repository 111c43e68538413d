// Package store persists accepted transcripts in PostgreSQL.
//
// A single [pgxpool.Pool] backs all operations; [Migrate] installs the schema
// idempotently at startup. Full-text search runs on a GIN index over the
// transcript text, so the HTTP search endpoint stays fast even with months
// of dispatch traffic.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    recorded_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ms BIGINT       NOT NULL DEFAULT 0,
    text        TEXT         NOT NULL,
    model       TEXT         NOT NULL DEFAULT '',
    escalated   BOOLEAN      NOT NULL DEFAULT FALSE,
    audio_path  TEXT         NOT NULL DEFAULT '',
    notified    BOOLEAN      NOT NULL DEFAULT FALSE,
    alert       TEXT         NOT NULL DEFAULT '',
    pushover_code INT        NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_transcripts_recorded_at
    ON transcripts (recorded_at DESC);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcripts USING GIN (to_tsvector('english', text));
`

// Transcript is one persisted dispatch transmission.
type Transcript struct {
	ID         int64
	RecordedAt time.Time
	Duration   time.Duration
	Text       string
	Model      string
	Escalated  bool
	AudioPath  string
	Notified   bool

	// Alert is the matcher pattern or fuzzy word that triggered a push
	// notification, empty when none fired.
	Alert string

	// PushoverCode is the HTTP status returned by the Pushover API,
	// 0 when no notification was attempted.
	PushoverCode int
}

// ErrNotFound is returned when an operation references a transcript that
// does not exist.
var ErrNotFound = errors.New("store: transcript not found")

// Store is the PostgreSQL-backed transcript store. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the transcripts table and its indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Insert stores t and returns its assigned id.
func (s *Store) Insert(ctx context.Context, t Transcript) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transcripts (recorded_at, duration_ms, text, model, escalated, audio_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		t.RecordedAt, t.Duration.Milliseconds(), t.Text, t.Model, t.Escalated, t.AudioPath,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert transcript: %w", err)
	}
	return id, nil
}

// GetRecent returns up to limit transcripts, newest first.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]Transcript, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recorded_at, duration_ms, text, model, escalated, audio_path, notified, alert, pushover_code
		FROM transcripts
		ORDER BY recorded_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get recent: %w", err)
	}
	defer rows.Close()
	return scanTranscripts(rows)
}

// SearchOpts bounds a full-text search. Zero time values mean unbounded;
// a non-positive Limit falls back to 50 rows.
type SearchOpts struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Search runs a full-text query over transcript text and returns matches
// ranked by relevance within the optional time bounds.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]Transcript, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	sql := `
		SELECT id, recorded_at, duration_ms, text, model, escalated, audio_path, notified, alert, pushover_code
		FROM transcripts
		WHERE to_tsvector('english', text) @@ plainto_tsquery('english', $1)`
	args := []any{query}
	if !opts.From.IsZero() {
		args = append(args, opts.From)
		sql += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if !opts.To.IsZero() {
		args = append(args, opts.To)
		sql += fmt.Sprintf(" AND recorded_at < $%d", len(args))
	}
	args = append(args, opts.Limit)
	sql += fmt.Sprintf(`
		ORDER BY ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) DESC,
		         recorded_at DESC
		LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()
	return scanTranscripts(rows)
}

// MarkNotified records that a push notification was sent for transcript id:
// the alert that fired and the Pushover response code.
func (s *Store) MarkNotified(ctx context.Context, id int64, alert string, code int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transcripts
		SET notified = TRUE, alert = $2, pushover_code = $3
		WHERE id = $1`, id, alert, code)
	if err != nil {
		return fmt.Errorf("store: mark notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: mark notified id %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanTranscripts(rows pgx.Rows) ([]Transcript, error) {
	var out []Transcript
	for rows.Next() {
		var (
			t  Transcript
			ms int64
		)
		if err := rows.Scan(&t.ID, &t.RecordedAt, &ms, &t.Text, &t.Model, &t.Escalated, &t.AudioPath, &t.Notified, &t.Alert, &t.PushoverCode); err != nil {
			return nil, fmt.Errorf("store: scan transcript: %w", err)
		}
		t.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate transcripts: %w", err)
	}
	return out, nil
}
