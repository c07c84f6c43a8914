package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

const (
	typAccess  = "access"
	typRefresh = "refresh"
)

// Claims is the token payload. Typ distinguishes access tokens from
// refresh tokens so one can never stand in for the other.
type Claims struct {
	Username string `json:"username,omitempty"`
	Typ      string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Tokens issues and verifies HS256 token pairs.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokens builds the issuer from auth configuration.
func NewTokens(cfg config.AuthConfig) *Tokens {
	return &Tokens{
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}
}

// Issue mints an access/refresh pair for a user. Refresh handles
// rotation by issuing a fresh pair, so there is no separate mint path.
func (t *Tokens) Issue(u *models.User) (*TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(t.accessTTL)

	access, err := t.sign(&Claims{
		Username: u.Username,
		Typ:      typAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	})
	if err != nil {
		return nil, err
	}

	// Each refresh token carries a unique id so rotation can mark the
	// spent one as used.
	refresh, err := t.sign(&Claims{
		Typ: typRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.refreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExp}, nil
}

// VerifyAccess validates a bearer token and returns its claims.
func (t *Tokens) VerifyAccess(token string) (*Claims, error) {
	return t.verify(token, typAccess)
}

// VerifyRefresh validates a refresh token and returns its claims. The
// caller needs the token id and expiry to enforce single use.
func (t *Tokens) VerifyRefresh(token string) (*Claims, error) {
	return t.verify(token, typRefresh)
}

func (t *Tokens) sign(claims *Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) verify(token, wantTyp string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, services.ErrAuthRequired
	}
	if claims.Typ != wantTyp || claims.Subject == "" {
		return nil, services.ErrAuthRequired
	}
	return claims, nil
}
