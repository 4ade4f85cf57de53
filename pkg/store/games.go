package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- ffbot ---

// UpsertFFBotPlayer stores the latest game snapshot for a member.
func (s *Store) UpsertFFBotPlayer(ctx context.Context, memberID uuid.UUID, snapshot json.RawMessage) (*FFBotPlayer, error) {
	if len(snapshot) == 0 {
		snapshot = []byte("{}")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO ffbot_players (member_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (member_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()
		RETURNING member_id, snapshot, updated_at`,
		memberID, snapshot)

	var p FFBotPlayer
	if err := row.Scan(&p.MemberID, &p.Snapshot, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert ffbot player %s: %w", memberID, err)
	}
	return &p, nil
}

// FFBotPlayer returns the stored game snapshot for a member.
func (s *Store) FFBotPlayer(ctx context.Context, memberID uuid.UUID) (*FFBotPlayer, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT member_id, snapshot, updated_at FROM ffbot_players WHERE member_id = $1", memberID)

	var p FFBotPlayer
	if err := row.Scan(&p.MemberID, &p.Snapshot, &p.UpdatedAt); err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("ffbot player %s: %w", memberID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load ffbot player %s: %w", memberID, err)
	}
	return &p, nil
}

// --- ironmon ---

const ironmonRunColumns = "id, seed_id, game, data, started_at, updated_at"

// CreateIronmonRun opens a new run record when the plugin announces a seed.
func (s *Store) CreateIronmonRun(ctx context.Context, seedID *int64, game string, data json.RawMessage) (*IronmonRun, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	var seed any
	if seedID != nil {
		seed = *seedID
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO ironmon_runs (id, seed_id, game, data)
		VALUES ($1, $2, $3, $4)
		RETURNING `+ironmonRunColumns,
		uuid.New(), seed, game, data)

	r, err := scanIronmonRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create ironmon run: %w", err)
	}
	return r, nil
}

// LatestIronmonRun returns the most recently started run.
func (s *Store) LatestIronmonRun(ctx context.Context) (*IronmonRun, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+ironmonRunColumns+" FROM ironmon_runs ORDER BY started_at DESC LIMIT 1")

	r, err := scanIronmonRun(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("ironmon run: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest ironmon run: %w", err)
	}
	return r, nil
}

// UpdateIronmonRunData merges fresh plugin data into the run's blob.
func (s *Store) UpdateIronmonRunData(ctx context.Context, runID uuid.UUID, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ironmon_runs
		SET data = data || $2::jsonb, updated_at = now()
		WHERE id = $1`,
		runID, data)
	if err != nil {
		return fmt.Errorf("failed to update ironmon run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ironmon run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// RecordIronmonCheckpoint marks a checkpoint cleared within a run. A replayed
// clear for the same checkpoint is ignored; the first clear time stands.
func (s *Store) RecordIronmonCheckpoint(ctx context.Context, runID uuid.UUID, name string, data json.RawMessage, at time.Time) (inserted bool, err error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ironmon_checkpoints (id, run_id, name, data, cleared_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, name) DO NOTHING`,
		uuid.New(), runID, name, data, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record checkpoint %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record checkpoint %s: %w", name, err)
	}
	return n > 0, nil
}

// IronmonCheckpoints lists the cleared checkpoints for a run in clear order.
func (s *Store) IronmonCheckpoints(ctx context.Context, runID uuid.UUID) ([]IronmonCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, data, cleared_at
		FROM ironmon_checkpoints
		WHERE run_id = $1
		ORDER BY cleared_at`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for run %s: %w", runID, err)
	}
	defer rows.Close()

	var checkpoints []IronmonCheckpoint
	for rows.Next() {
		var cp IronmonCheckpoint
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Name, &cp.Data, &cp.ClearedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return checkpoints, nil
}

func scanIronmonRun(row rowScanner) (*IronmonRun, error) {
	var (
		r    IronmonRun
		seed stdsql.NullInt64
	)
	if err := row.Scan(&r.ID, &seed, &r.Game, &r.Data, &r.StartedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if seed.Valid {
		v := seed.Int64
		r.SeedID = &v
	}
	return &r, nil
}
