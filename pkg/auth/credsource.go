package auth

import (
	"context"
	"fmt"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
	"github.com/darkhound/darkhound/pkg/sshconn"
)

// AssetReader is the slice of the store credential resolution needs.
type AssetReader interface {
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	GetCredential(ctx context.Context, id string) (*models.Credential, error)
}

// SecretRecorder receives every unsealed secret so it can be scrubbed
// from output later. *masking.Masker satisfies it.
type SecretRecorder interface {
	AddLiteral(secret string)
}

// CredentialSource resolves an asset into a dial target plus unsealed
// credentials. Resolution order: the asset's sealed DB record, then the
// process-wide env fallback password. The unsealed material lives only
// in the returned struct; callers must not persist it.
type CredentialSource struct {
	assets AssetReader
	sealer *Sealer

	// FallbackPassword is used for assets with no credential record.
	// Populated from SSH_FALLBACK_PASSWORD; empty disables the fallback.
	FallbackPassword []byte

	// Secrets, when set, is told about every secret this source hands
	// out so the masking layer can keep them out of AI context.
	Secrets SecretRecorder
}

// NewCredentialSource wires the resolver.
func NewCredentialSource(assets AssetReader, sealer *Sealer, fallbackPassword string) *CredentialSource {
	return &CredentialSource{
		assets:           assets,
		sealer:           sealer,
		FallbackPassword: []byte(fallbackPassword),
	}
}

// Resolve returns the target and unsealed credentials for an asset.
func (c *CredentialSource) Resolve(ctx context.Context, assetID string) (sshconn.Target, sshconn.Credentials, error) {
	a, err := c.assets.GetAsset(ctx, assetID)
	if err != nil {
		return sshconn.Target{}, sshconn.Credentials{}, err
	}

	target := sshconn.Target{
		AssetID:  a.ID,
		Host:     dialHost(a),
		Port:     a.SSHPort,
		Username: a.Username,
		OS:       a.OS,
	}

	if a.CredentialID == "" {
		if len(c.FallbackPassword) == 0 {
			return sshconn.Target{}, sshconn.Credentials{}, fmt.Errorf(
				"%w: asset %s has no credential and no fallback password is configured",
				services.ErrInvalidInput, a.ID)
		}
		c.record(c.FallbackPassword)
		return target, sshconn.Credentials{Kind: "password", Secret: c.FallbackPassword}, nil
	}

	rec, err := c.assets.GetCredential(ctx, a.CredentialID)
	if err != nil {
		return sshconn.Target{}, sshconn.Credentials{}, fmt.Errorf("resolving credential for asset %s: %w", a.ID, err)
	}
	secret, err := c.sealer.Open(rec.SealedSecret)
	if err != nil {
		return sshconn.Target{}, sshconn.Credentials{}, err
	}
	creds := sshconn.Credentials{
		Kind:       rec.Kind,
		Secret:     secret,
		SudoPolicy: rec.SudoPolicy,
	}
	if rec.SudoPolicy == models.SudoCustom {
		sudo, err := c.sealer.Open(rec.SealedSudo)
		if err != nil {
			return sshconn.Target{}, sshconn.Credentials{}, fmt.Errorf("unsealing sudo secret: %w", err)
		}
		creds.SudoSecret = sudo
	}
	c.record(creds.Secret)
	c.record(creds.SudoSecret)
	return target, creds, nil
}

func (c *CredentialSource) record(secret []byte) {
	if c.Secrets != nil && len(secret) > 0 {
		c.Secrets.AddLiteral(string(secret))
	}
}

// dialHost prefers the IP when the operator recorded one; hostnames in
// asset inventories are often not resolvable from the hunt box.
func dialHost(a *models.Asset) string {
	if a.IP != "" {
		return a.IP
	}
	return a.Hostname
}
