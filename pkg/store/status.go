package store

import (
	"context"
	"fmt"
)

// Broadcaster presence values accepted by SetStatus.
var ValidStatuses = []string{"online", "away", "busy", "brb", "focus", "offline"}

// IsValidStatus reports whether s is a known presence value.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Status returns the broadcaster's published presence. The row is seeded by
// the initial migration, so this never misses.
func (s *Store) Status(ctx context.Context) (*BroadcasterStatus, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT status, message, updated_at FROM broadcaster_status WHERE id = 1")

	var st BroadcasterStatus
	if err := row.Scan(&st.Status, &st.Message, &st.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to load broadcaster status: %w", err)
	}
	return &st, nil
}

// SetStatus updates the broadcaster's published presence.
func (s *Store) SetStatus(ctx context.Context, status, message string) (*BroadcasterStatus, error) {
	if !IsValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE broadcaster_status
		SET status = $1, message = $2, updated_at = now()
		WHERE id = 1
		RETURNING status, message, updated_at`,
		status, message)

	var st BroadcasterStatus
	if err := row.Scan(&st.Status, &st.Message, &st.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update broadcaster status: %w", err)
	}
	return &st, nil
}
