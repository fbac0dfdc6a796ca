// Package store is the pgx-backed persistence layer: transcript fragments,
// assembled transcripts, and workflow step state.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonmed/scribe/internal/fragment"
)

// Transcript is one assembled session transcript.
type Transcript struct {
	SessionID     string     `json:"session_id"`
	Title         string     `json:"title"`
	Text          string     `json:"text"`
	FragmentCount int        `json:"fragment_count"`
	Duration      string     `json:"duration"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InsertFragments batch-inserts finalized fragments in ingestion order. The
// write runs in a transaction so a batch is all-or-nothing: partial success
// is treated as total failure and retried by the caller.
func (s *Store) InsertFragments(ctx context.Context, frags []fragment.Fragment) error {
	if len(frags) == 0 {
		return nil
	}

	rows := make([][]any, len(frags))
	for i, f := range frags {
		alts, err := json.Marshal(f.Alternatives)
		if err != nil {
			return fmt.Errorf("marshal alternatives: %w", err)
		}
		rows[i] = []any{f.ID, f.SessionID, string(f.Speaker), f.Text, f.Confidence,
			f.StartOffsetMS, f.EndOffsetMS, f.ProviderID, alts, f.EnqueuedAt}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fragment batch: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.CopyFrom(
		ctx,
		pgx.Identifier{"transcript_fragments"},
		[]string{"fragment_id", "session_id", "speaker", "text", "confidence",
			"start_offset_ms", "end_offset_ms", "provider_id", "alternatives", "enqueued_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy fragments: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fragment batch: %w", err)
	}

	slog.Debug("inserted fragments", "count", len(frags))
	return nil
}

// GetSessionFragments returns a session's fragments ordered by speech offset,
// then by write order for identical offsets.
func (s *Store) GetSessionFragments(ctx context.Context, sessionID string) ([]fragment.Fragment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fragment_id, session_id, speaker, text, confidence,
		       start_offset_ms, end_offset_ms, provider_id, alternatives, enqueued_at
		FROM transcript_fragments
		WHERE session_id = $1
		ORDER BY start_offset_ms, enqueued_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []fragment.Fragment
	for rows.Next() {
		var (
			f       fragment.Fragment
			speaker string
			alts    json.RawMessage
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &speaker, &f.Text, &f.Confidence,
			&f.StartOffsetMS, &f.EndOffsetMS, &f.ProviderID, &alts, &f.EnqueuedAt); err != nil {
			return nil, err
		}
		f.Speaker = fragment.Speaker(speaker)
		f.IsFinal = true
		if len(alts) > 0 {
			if err := json.Unmarshal(alts, &f.Alternatives); err != nil {
				slog.Warn("malformed alternatives, skipping", "fragment_id", f.ID, "error", err)
			}
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// InsertTranscript stores one assembled transcript.
func (s *Store) InsertTranscript(ctx context.Context, t Transcript) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcripts (session_id, title, transcript, fragment_count, duration, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.SessionID, t.Title, t.Text, t.FragmentCount, t.Duration, t.StartedAt, t.EndedAt)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// TranscriptExists reports whether a session's transcript was already
// assembled (idempotency check on session stop).
func (s *Store) TranscriptExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transcripts WHERE session_id = $1)`,
		sessionID,
	).Scan(&exists)
	return exists, err
}

// GetTranscript returns the assembled transcript for a session.
func (s *Store) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, title, transcript, fragment_count, duration, started_at, ended_at
		FROM transcripts WHERE session_id = $1
	`, sessionID)

	var t Transcript
	if err := row.Scan(&t.SessionID, &t.Title, &t.Text, &t.FragmentCount, &t.Duration, &t.StartedAt, &t.EndedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertWorkflowStep records one step transition for a session's workflow run.
func (s *Store) UpsertWorkflowStep(ctx context.Context, sessionID, name, status string, progress int, message, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (session_id, step_name, status, progress, message, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (session_id, step_name) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			message = EXCLUDED.message,
			error = EXCLUDED.error,
			updated_at = now()
	`, sessionID, name, status, progress, message, errMsg)
	if err != nil {
		return fmt.Errorf("upsert workflow step %s: %w", name, err)
	}
	return nil
}

// GetWorkflowSteps returns persisted step state for a session.
func (s *Store) GetWorkflowSteps(ctx context.Context, sessionID string) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_name, status, progress, message, error, updated_at
		FROM workflow_steps
		WHERE session_id = $1
		ORDER BY updated_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		var (
			name, status, message, errMsg string
			progress                      int
			updatedAt                     time.Time
		)
		if err := rows.Scan(&name, &status, &progress, &message, &errMsg, &updatedAt); err != nil {
			return nil, err
		}
		results = append(results, map[string]any{
			"name":       name,
			"status":     status,
			"progress":   progress,
			"message":    message,
			"error":      errMsg,
			"updated_at": updatedAt,
		})
	}
	return results, rows.Err()
}
