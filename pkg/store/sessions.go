package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = "id, session_date, started_at, ended_at, live, duration_seconds"

// SessionForDate returns the session row for the given calendar day,
// creating it if needed. Days are resolved in the configured timezone by
// the caller; the store sees plain dates.
func (s *Store) SessionForDate(ctx context.Context, date time.Time) (*Session, error) {
	day := date.Format("2006-01-02")

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, session_date)
		VALUES ($1, $2)
		ON CONFLICT (session_date) DO UPDATE SET session_date = EXCLUDED.session_date
		RETURNING `+sessionColumns,
		uuid.New(), day)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session for %s: %w", day, err)
	}
	return sess, nil
}

// StartSession marks the day's session live. Starting an already-live
// session is a no-op so reconnects do not reset started_at.
func (s *Store) StartSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET live = true,
		    started_at = COALESCE(started_at, $2),
		    updated_at = now()
		WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", id, err)
	}
	return nil
}

// EndSession marks the session offline and accumulates the duration since
// it went live.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET live = false,
		    ended_at = $2,
		    duration_seconds = duration_seconds + GREATEST(0,
		        EXTRACT(EPOCH FROM ($2 - COALESCE(started_at, $2)))::bigint),
		    updated_at = now()
		WHERE id = $1 AND live`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	return nil
}

// LiveSession returns the currently live session, if any.
func (s *Store) LiveSession(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE live ORDER BY session_date DESC LIMIT 1")

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("live session: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load live session: %w", err)
	}
	return sess, nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		startedAt stdsql.NullTime
		endedAt   stdsql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.Date, &startedAt, &endedAt, &sess.Live, &sess.DurationSeconds); err != nil {
		return nil, err
	}
	sess.StartedAt = timePtr(startedAt)
	sess.EndedAt = timePtr(endedAt)
	return &sess, nil
}
