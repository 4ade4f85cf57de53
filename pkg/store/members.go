package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const memberColumns = "id, twitch_id, username, display_name, pronouns, created_at, updated_at"

// UpsertMember creates or refreshes a member keyed by Twitch user ID.
// Usernames and display names drift over time; the latest value wins.
func (s *Store) UpsertMember(ctx context.Context, twitchID, username, displayName string) (*Member, error) {
	if twitchID == "" {
		return nil, fmt.Errorf("upsert member: twitch_id is required")
	}

	member, err := s.upsertMemberOnce(ctx, twitchID, username, displayName)
	if err != nil && isUniqueViolation(err) {
		// Two producers racing to create the same member: the loser retries
		// and lands on the DO UPDATE path.
		member, err = s.upsertMemberOnce(ctx, twitchID, username, displayName)
	}
	return member, err
}

func (s *Store) upsertMemberOnce(ctx context.Context, twitchID, username, displayName string) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO members (id, twitch_id, username, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (twitch_id) WHERE twitch_id IS NOT NULL AND twitch_id <> ''
		DO UPDATE SET username = EXCLUDED.username,
		              display_name = EXCLUDED.display_name,
		              updated_at = now()
		RETURNING `+memberColumns,
		uuid.New(), twitchID, username, displayName)

	var m Member
	if err := scanMember(row, &m); err != nil {
		return nil, fmt.Errorf("failed to upsert member %s: %w", twitchID, err)
	}
	return &m, nil
}

// MemberByTwitchID looks a member up by Twitch user ID.
func (s *Store) MemberByTwitchID(ctx context.Context, twitchID string) (*Member, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE twitch_id = $1", twitchID)

	var m Member
	if err := scanMember(row, &m); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("member %s: %w", twitchID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load member %s: %w", twitchID, err)
	}
	return &m, nil
}

// Member looks a member up by internal ID.
func (s *Store) Member(ctx context.Context, id uuid.UUID) (*Member, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE id = $1", id)

	var m Member
	if err := scanMember(row, &m); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load member %s: %w", id, err)
	}
	return &m, nil
}

// SetMemberPronouns stores the pronouns shown beside the member's name in
// overlay notices.
func (s *Store) SetMemberPronouns(ctx context.Context, id uuid.UUID, pronouns string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE members SET pronouns = $2, updated_at = now() WHERE id = $1", id, pronouns)
	if err != nil {
		return fmt.Errorf("failed to update member %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner, m *Member) error {
	var twitchID stdsql.NullString
	if err := row.Scan(&m.ID, &twitchID, &m.Username, &m.DisplayName, &m.Pronouns, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return err
	}
	m.TwitchID = twitchID.String
	return nil
}

// nullTime converts a *time.Time into its driver representation.
func nullTime(t *time.Time) stdsql.NullTime {
	if t == nil {
		return stdsql.NullTime{}
	}
	return stdsql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a scanned NullTime back into a *time.Time.
func timePtr(nt stdsql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
