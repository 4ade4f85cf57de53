// Package store holds the SQL repositories for the relational model:
// members, sessions, the append-only event log, campaigns with their
// metrics/milestones/gifts, service tokens, broadcaster status, and the
// game integrations.
package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bryanveloso/synthform-sub000/pkg/database"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses a uniqueness race.
	ErrConflict = errors.New("conflict")
	// ErrNoActiveCampaign is returned by campaign operations when nothing
	// is live. Callers treat it as a no-op, not a failure.
	ErrNoActiveCampaign = errors.New("no active campaign")
)

// Querier is satisfied by both *sql.DB and *sql.Tx so repository methods
// compose inside transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (stdsql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*stdsql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *stdsql.Row
}

// Store bundles every repository over one connection pool.
type Store struct {
	db *stdsql.DB
}

// New creates a Store over the database client.
func New(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

// NewFromDB creates a Store over a raw handle (used by tests).
func NewFromDB(db *stdsql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *stdsql.DB { return s.db }

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *stdsql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
