package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/models"
)

const sessionColumns = "id, asset_id, analyst_id, mode, state, COALESCE(locked_by::text, ''), created_at, terminated_at"

// CreateSession persists a freshly admitted session.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, asset_id, analyst_id, mode, state, locked_by)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid)`,
		sess.ID, sess.AssetID, sess.AnalystID, string(sess.Mode), string(sess.State), sess.LockedBy)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// UpdateSessionState records a state transition from the session owner.
func (s *Store) UpdateSessionState(ctx context.Context, id string, state models.SessionState, lockedBy string, terminatedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = $2, locked_by = NULLIF($3, '')::uuid, terminated_at = $4
		WHERE id = $1`,
		id, string(state), lockedBy, terminatedAt)
	if err != nil {
		return fmt.Errorf("updating session state: %w", err)
	}
	return requireAffected(res, "session")
}

// GetSession fetches a persisted session record; terminated sessions
// remain readable after their runtime is gone.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id)
	return scanSession(row)
}

// ListSessions returns sessions newest first, optionally filtered by
// asset, with a limit/offset window.
func (s *Store) ListSessions(ctx context.Context, assetID string, limit, offset int) ([]*models.Session, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where, args := "", []any{}
	if assetID != "" {
		where = "WHERE asset_id = $1"
		args = append(args, assetID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM sessions "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM sessions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		sessionColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

// PurgeTerminatedSessions deletes sessions terminated before the cutoff,
// along with their hunts and observations. Findings and timeline entries
// survive; intelligence outlives the sessions that produced it.
func (s *Store) PurgeTerminatedSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin session purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM hunt_module_runs WHERE hunt_id IN (
			SELECT h.id FROM hunts h
			JOIN sessions s ON s.id = h.session_id
			WHERE s.terminated_at IS NOT NULL AND s.terminated_at < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging observations: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM hunts WHERE session_id IN (
			SELECT id FROM sessions
			WHERE terminated_at IS NOT NULL AND terminated_at < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging hunts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE terminated_at IS NOT NULL AND terminated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	count, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit session purge: %w", err)
	}
	return count, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess        models.Session
		mode, state string
	)
	err := row.Scan(&sess.ID, &sess.AssetID, &sess.AnalystID, &mode, &state,
		&sess.LockedBy, &sess.CreatedAt, &sess.TerminatedAt)
	if err := requireRow(err, "session"); err != nil {
		return nil, err
	}
	sess.Mode = models.SessionMode(mode)
	sess.State = models.SessionState(state)
	return &sess, nil
}
