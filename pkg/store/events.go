package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventColumns = "id, source, event_type, member_id, session_id, payload, occurred_at, source_event_id"

// AppendEvent writes one row to the event log. Events carrying a
// provider-assigned SourceEventID are idempotent: replays are skipped and
// reported via inserted=false.
func (s *Store) AppendEvent(ctx context.Context, e *Event) (inserted bool, err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var sourceEventID any
	if e.SourceEventID != "" {
		sourceEventID = e.SourceEventID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, source, event_type, member_id, session_id, payload, occurred_at, source_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_event_id) WHERE source_event_id IS NOT NULL DO NOTHING`,
		e.ID, e.Source, e.EventType, e.MemberID, e.SessionID, payload, e.OccurredAt.UTC(), sourceEventID)
	if err != nil {
		return false, fmt.Errorf("failed to append %s event: %w", e.EventType, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append %s event: %w", e.EventType, err)
	}
	return n > 0, nil
}

// RecentEvents returns the newest events, optionally filtered to a set of
// event types. Used for overlay sync snapshots and the timeline catch-up.
func (s *Store) RecentEvents(ctx context.Context, limit int, eventTypes ...string) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *stdsql.Rows
		err  error
	)
	if len(eventTypes) == 0 {
		rows, err = s.db.QueryContext(ctx,
			"SELECT "+eventColumns+" FROM events ORDER BY occurred_at DESC LIMIT $1", limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT "+eventColumns+" FROM events WHERE event_type = ANY($1) ORDER BY occurred_at DESC LIMIT $2",
			eventTypes, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e             Event
			memberID      stdsql.NullString
			sessionID     stdsql.NullString
			sourceEventID stdsql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.EventType, &memberID, &sessionID, &e.Payload, &e.OccurredAt, &sourceEventID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if memberID.Valid {
			id, err := uuid.Parse(memberID.String)
			if err == nil {
				e.MemberID = &id
			}
		}
		if sessionID.Valid {
			id, err := uuid.Parse(sessionID.String)
			if err == nil {
				e.SessionID = &id
			}
		}
		e.SourceEventID = sourceEventID.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// LatestEventByType returns the newest event of one type, for endpoints
// that surface "current" state derived from the log.
func (s *Store) LatestEventByType(ctx context.Context, eventType string) (*Event, error) {
	events, err := s.RecentEvents(ctx, 1, eventType)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event %s: %w", eventType, ErrNotFound)
	}
	return &events[0], nil
}

// PruneEvents deletes event-log rows that occurred before cutoff and
// reports how many were removed.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE occurred_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned events: %w", err)
	}
	return n, nil
}
