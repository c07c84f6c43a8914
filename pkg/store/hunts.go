package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/models"
)

const huntColumns = "id, session_id, asset_id, module_id, run_ai, status, findings_count, COALESCE(ai_report_text, ''), COALESCE(error, ''), started_at, ended_at"

// CreateHunt persists a newly admitted hunt in PENDING state.
func (s *Store) CreateHunt(ctx context.Context, h *models.Hunt) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hunts (id, session_id, asset_id, module_id, run_ai, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.SessionID, h.AssetID, h.ModuleID, h.RunAI, string(h.Status))
	if err != nil {
		return fmt.Errorf("creating hunt: %w", err)
	}
	return nil
}

// UpdateHunt records hunt progress and its terminal outcome.
func (s *Store) UpdateHunt(ctx context.Context, h *models.Hunt) error {
	started := sql.NullTime{}
	if h.StartedAt != nil {
		started = sql.NullTime{Time: *h.StartedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE hunts
		SET status = $2,
		    findings_count = $3,
		    ai_report_text = NULLIF($4, ''),
		    error = NULLIF($5, ''),
		    started_at = COALESCE($6, started_at),
		    ended_at = $7
		WHERE id = $1`,
		h.ID, string(h.Status), h.FindingsCount, h.AIReportText, h.Error, started, h.EndedAt)
	if err != nil {
		return fmt.Errorf("updating hunt: %w", err)
	}
	return requireAffected(res, "hunt")
}

// GetHunt fetches one hunt.
func (s *Store) GetHunt(ctx context.Context, id string) (*models.Hunt, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+huntColumns+" FROM hunts WHERE id = $1", id)
	return scanHunt(row)
}

// ListHuntsBySession returns a session's hunts, newest first.
func (s *Store) ListHuntsBySession(ctx context.Context, sessionID string) ([]*models.Hunt, error) {
	return s.listHunts(ctx, "session_id", sessionID)
}

// ListHuntsByAsset returns an asset's hunts, newest first.
func (s *Store) ListHuntsByAsset(ctx context.Context, assetID string) ([]*models.Hunt, error) {
	return s.listHunts(ctx, "asset_id", assetID)
}

func (s *Store) listHunts(ctx context.Context, column, id string) ([]*models.Hunt, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+huntColumns+" FROM hunts WHERE "+column+" = $1 ORDER BY started_at DESC", id)
	if err != nil {
		return nil, fmt.Errorf("listing hunts: %w", err)
	}
	defer rows.Close()

	var out []*models.Hunt
	for rows.Next() {
		h, err := scanHunt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SaveObservation appends one captured step result.
func (s *Store) SaveObservation(ctx context.Context, o *models.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hunt_module_runs
			(id, hunt_id, step_id, command, stdout, stderr, exit_code, wall_ms, stdout_truncated, stderr_truncated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(), o.HuntID, o.StepID, o.Command, o.Stdout, o.Stderr,
		o.ExitCode, o.WallMS, o.StdoutTruncated, o.StderrTruncated)
	if err != nil {
		return fmt.Errorf("saving observation: %w", err)
	}
	return nil
}

// ListObservations returns a hunt's observations in execution order.
func (s *Store) ListObservations(ctx context.Context, huntID string) ([]*models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hunt_id, step_id, command, stdout, stderr, exit_code, wall_ms, stdout_truncated, stderr_truncated
		FROM hunt_module_runs WHERE hunt_id = $1 ORDER BY created_at ASC`, huntID)
	if err != nil {
		return nil, fmt.Errorf("listing observations: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		var o models.Observation
		if err := rows.Scan(&o.HuntID, &o.StepID, &o.Command, &o.Stdout, &o.Stderr,
			&o.ExitCode, &o.WallMS, &o.StdoutTruncated, &o.StderrTruncated); err != nil {
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// DeleteHunt removes a hunt and its observations; used by report cleanup.
func (s *Store) DeleteHunt(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete hunt: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM hunt_module_runs WHERE hunt_id = $1", id); err != nil {
		return fmt.Errorf("deleting hunt observations: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM hunts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting hunt: %w", err)
	}
	if err := requireAffected(res, "hunt"); err != nil {
		return err
	}
	return tx.Commit()
}

func scanHunt(row rowScanner) (*models.Hunt, error) {
	var (
		h      models.Hunt
		status string
	)
	err := row.Scan(&h.ID, &h.SessionID, &h.AssetID, &h.ModuleID, &h.RunAI, &status,
		&h.FindingsCount, &h.AIReportText, &h.Error, &h.StartedAt, &h.EndedAt)
	if err := requireRow(err, "hunt"); err != nil {
		return nil, err
	}
	h.Status = models.HuntStatus(status)
	return &h, nil
}
