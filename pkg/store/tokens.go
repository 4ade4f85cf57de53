package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const tokenColumns = "id, service, user_id, access_token, refresh_token, scopes, expires_at, updated_at"

// ServiceToken returns the stored credentials for (service, user). The
// token columns are ciphertext; pkg/tokens unseals them.
func (s *Store) ServiceToken(ctx context.Context, service, userID string) (*ServiceToken, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM service_tokens WHERE service = $1 AND user_id = $2",
		service, userID)

	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("token for %s/%s: %w", service, userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load token for %s/%s: %w", service, userID, err)
	}
	return t, nil
}

// UpsertServiceToken stores or replaces the credentials for (service, user).
func (s *Store) UpsertServiceToken(ctx context.Context, t *ServiceToken) (*ServiceToken, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO service_tokens (id, service, user_id, access_token, refresh_token, scopes, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (service, user_id)
		DO UPDATE SET access_token = EXCLUDED.access_token,
		              refresh_token = EXCLUDED.refresh_token,
		              scopes = EXCLUDED.scopes,
		              expires_at = EXCLUDED.expires_at,
		              updated_at = now()
		RETURNING `+tokenColumns,
		t.ID, t.Service, t.UserID, t.AccessToken, t.RefreshToken, t.Scopes, nullTime(t.ExpiresAt))

	saved, err := scanToken(row)
	if err != nil {
		return nil, fmt.Errorf("failed to save token for %s/%s: %w", t.Service, t.UserID, err)
	}
	return saved, nil
}

func scanToken(row rowScanner) (*ServiceToken, error) {
	var (
		t         ServiceToken
		expiresAt stdsql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Service, &t.UserID, &t.AccessToken, &t.RefreshToken,
		&t.Scopes, &expiresAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ExpiresAt = timePtr(expiresAt)
	return &t, nil
}
