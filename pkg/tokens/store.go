package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// Token is a decrypted credential set for one (service, user) pair.
type Token struct {
	Service      string
	UserID       string
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    *time.Time
}

// Credentials is what an OAuth refresh grant returns.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresIn    int // seconds
}

// Refresher exchanges a refresh token for fresh credentials. Implemented by
// the platform OAuth client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// Store reads and writes sealed tokens. The rest of the system treats
// tokens as opaque: get, save, refresh.
type Store struct {
	db        *store.Store
	cipher    *Cipher
	refresher Refresher
	logger    *slog.Logger
}

// NewStore creates a token store. refresher may be nil for processes that
// never rotate credentials.
func NewStore(db *store.Store, cipher *Cipher, refresher Refresher) *Store {
	return &Store{
		db:        db,
		cipher:    cipher,
		refresher: refresher,
		logger:    slog.Default().With("component", "tokens"),
	}
}

// Get returns the decrypted token for (service, userID).
// Wraps store.ErrNotFound when no credentials are saved.
func (s *Store) Get(ctx context.Context, service, userID string) (*Token, error) {
	row, err := s.db.ServiceToken(ctx, service, userID)
	if err != nil {
		return nil, err
	}

	access, err := s.cipher.Open(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for %s/%s: %w", service, userID, err)
	}
	refresh, err := s.cipher.Open(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token for %s/%s: %w", service, userID, err)
	}

	return &Token{
		Service:      row.Service,
		UserID:       row.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       splitScopes(row.Scopes),
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

// Save seals and persists a token, replacing any previous credentials for
// the same (service, userID).
func (s *Store) Save(ctx context.Context, t *Token) error {
	access, err := s.cipher.Seal(t.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token for %s/%s: %w", t.Service, t.UserID, err)
	}
	refresh, err := s.cipher.Seal(t.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token for %s/%s: %w", t.Service, t.UserID, err)
	}

	_, err = s.db.UpsertServiceToken(ctx, &store.ServiceToken{
		Service:      t.Service,
		UserID:       t.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       strings.Join(t.Scopes, " "),
		ExpiresAt:    t.ExpiresAt,
	})
	return err
}

// Refresh rotates the token through the OAuth refresh grant and persists
// the new credentials. The returned token is the one callers should use.
func (s *Store) Refresh(ctx context.Context, t *Token) (*Token, error) {
	if s.refresher == nil {
		return nil, fmt.Errorf("no refresher configured for %s tokens", t.Service)
	}

	creds, err := s.refresher.Refresh(ctx, t.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh %s token for %s: %w", t.Service, t.UserID, err)
	}

	rotated := &Token{
		Service:      t.Service,
		UserID:       t.UserID,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Scopes:       creds.Scopes,
	}
	if rotated.RefreshToken == "" {
		// Some grants return only a new access token; keep the old refresh.
		rotated.RefreshToken = t.RefreshToken
	}
	if len(rotated.Scopes) == 0 {
		rotated.Scopes = t.Scopes
	}
	if creds.ExpiresIn > 0 {
		exp := time.Now().UTC().Add(time.Duration(creds.ExpiresIn) * time.Second)
		rotated.ExpiresAt = &exp
	}

	if err := s.Save(ctx, rotated); err != nil {
		return nil, fmt.Errorf("failed to persist rotated %s token: %w", t.Service, err)
	}

	s.logger.Info("Rotated service token", "service", t.Service, "user_id", t.UserID)
	return rotated, nil
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
