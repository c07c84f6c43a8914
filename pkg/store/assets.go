package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

const assetColumns = "id, hostname, ip, os, ssh_port, username, COALESCE(credential_id::text, ''), created_at, updated_at"

// CreateAsset registers a host.
func (s *Store) CreateAsset(ctx context.Context, a *models.Asset) error {
	if a.Hostname == "" {
		return fmt.Errorf("%w: hostname is required", services.ErrInvalidInput)
	}
	if a.Username == "" {
		return fmt.Errorf("%w: username is required", services.ErrInvalidInput)
	}
	if a.OS == "" {
		a.OS = models.OSUnknown
	}
	if !models.ValidOSTag(string(a.OS)) {
		return fmt.Errorf("%w: unknown os %q", services.ErrInvalidInput, a.OS)
	}
	if a.SSHPort <= 0 {
		a.SSHPort = 22
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO assets (id, hostname, ip, os, ssh_port, username, credential_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::uuid)
		RETURNING created_at, updated_at`,
		a.ID, a.Hostname, a.IP, string(a.OS), a.SSHPort, a.Username, a.CredentialID,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating asset: %w", err)
	}
	return nil
}

// GetAsset fetches one asset.
func (s *Store) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE id = $1", id)
	return scanAsset(row)
}

// ListAssets returns all assets, newest first.
func (s *Store) ListAssets(ctx context.Context) ([]*models.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+assetColumns+" FROM assets ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}
	defer rows.Close()

	var out []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PatchAsset applies partial updates; nil fields are left as-is.
func (s *Store) PatchAsset(ctx context.Context, id string, patch models.PatchAssetRequest) (*models.Asset, error) {
	a, err := s.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Hostname != nil {
		a.Hostname = *patch.Hostname
	}
	if patch.IP != nil {
		a.IP = *patch.IP
	}
	if patch.OS != nil {
		if !models.ValidOSTag(*patch.OS) {
			return nil, fmt.Errorf("%w: unknown os %q", services.ErrInvalidInput, *patch.OS)
		}
		a.OS = models.OSTag(*patch.OS)
	}
	if patch.SSHPort != nil {
		a.SSHPort = *patch.SSHPort
	}
	if patch.Username != nil {
		a.Username = *patch.Username
	}
	a.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE assets
		SET hostname = $2, ip = $3, os = $4, ssh_port = $5, username = $6, updated_at = $7
		WHERE id = $1`,
		a.ID, a.Hostname, a.IP, string(a.OS), a.SSHPort, a.Username, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating asset: %w", err)
	}
	if err := requireAffected(res, "asset"); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAsset removes the asset row plus its sessions, hunts, and
// observations in one transaction. Intelligence records are cascaded by
// the intel store.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete asset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting asset: %w", err)
	}
	if err := requireAffected(res, "asset"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM hunt_module_runs WHERE hunt_id IN (SELECT id FROM hunts WHERE asset_id = $1)`, id); err != nil {
		return fmt.Errorf("deleting asset observations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM hunts WHERE asset_id = $1", id); err != nil {
		return fmt.Errorf("deleting asset hunts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE asset_id = $1", id); err != nil {
		return fmt.Errorf("deleting asset sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM host_key_pins WHERE asset_id = $1", id); err != nil {
		return fmt.Errorf("deleting asset pins: %w", err)
	}
	return tx.Commit()
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var (
		a  models.Asset
		os string
	)
	err := row.Scan(&a.ID, &a.Hostname, &a.IP, &os, &a.SSHPort,
		&a.Username, &a.CredentialID, &a.CreatedAt, &a.UpdatedAt)
	if err := requireRow(err, "asset"); err != nil {
		return nil, err
	}
	a.OS = models.OSTag(os)
	return &a, nil
}

// PinStore is the persisted TOFU host-key pin store.
type PinStore struct {
	db *sql.DB
}

// Pins returns the host-key pin store over the same handle.
func (s *Store) Pins() *PinStore {
	return &PinStore{db: s.db}
}

// GetPin returns the pinned fingerprint for an asset, or "" when unpinned.
func (p *PinStore) GetPin(ctx context.Context, assetID string) (string, error) {
	var fp string
	err := p.db.QueryRowContext(ctx,
		"SELECT fingerprint FROM host_key_pins WHERE asset_id = $1", assetID).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading host key pin: %w", err)
	}
	return fp, nil
}

// PutPin records the fingerprint seen on first use.
func (p *PinStore) PutPin(ctx context.Context, assetID, fingerprint string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO host_key_pins (asset_id, fingerprint)
		VALUES ($1, $2)
		ON CONFLICT (asset_id) DO UPDATE SET fingerprint = EXCLUDED.fingerprint, pinned_at = now()`,
		assetID, fingerprint)
	if err != nil {
		return fmt.Errorf("writing host key pin: %w", err)
	}
	return nil
}
