package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

// CreateCredential inserts a sealed secret record.
func (s *Store) CreateCredential(ctx context.Context, c *models.Credential) error {
	if c.Kind != "password" && c.Kind != "private_key" {
		return fmt.Errorf("%w: unknown credential kind %q", services.ErrInvalidInput, c.Kind)
	}
	if len(c.SealedSecret) == 0 {
		return fmt.Errorf("%w: sealed secret is required", services.ErrInvalidInput)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO credentials (id, kind, sealed_secret, sudo_policy, sealed_sudo)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		c.ID, c.Kind, c.SealedSecret, string(c.SudoPolicy), c.SealedSudo,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating credential: %w", err)
	}
	return nil
}

// GetCredential fetches a sealed record by id. The secret stays sealed;
// only pkg/auth opens it.
func (s *Store) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	var (
		c      models.Credential
		policy string
		sudo   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, sealed_secret, sudo_policy, sealed_sudo, created_at
		FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &c.Kind, &c.SealedSecret, &policy, &sudo, &c.CreatedAt)
	if err := requireRow(err, "credential"); err != nil {
		return nil, err
	}
	c.SudoPolicy = models.SudoPolicy(policy)
	c.SealedSudo = sudo
	return &c, nil
}

// DeleteCredential removes a sealed record. Fails while an asset still
// references it.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	var inUse bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM assets WHERE credential_id = $1)", id).Scan(&inUse)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("checking credential use: %w", err)
	}
	if inUse {
		return fmt.Errorf("%w: credential is referenced by an asset", services.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return requireAffected(res, "credential")
}
