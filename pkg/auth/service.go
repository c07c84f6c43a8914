package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

// UserStore is the slice of the store the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdatePassword(ctx context.Context, id string, hash []byte) error
	CountUsers(ctx context.Context) (int, error)
}

// Service authenticates analysts and manages their passwords.
type Service struct {
	users  UserStore
	tokens *Tokens
	log    *slog.Logger

	// usedRefresh maps spent refresh token ids to their expiry. Kept in
	// memory like the session registry; a restart forgets spent tokens,
	// which only shortens their remaining window.
	mu          sync.Mutex
	usedRefresh map[string]time.Time
}

// NewService wires the auth service.
func NewService(users UserStore, tokens *Tokens) *Service {
	return &Service{
		users:       users,
		tokens:      tokens,
		log:         slog.With("component", "auth"),
		usedRefresh: make(map[string]time.Time),
	}
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	u, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		// Unknown user and bad password are indistinguishable to the caller.
		return nil, services.ErrAuthRequired
	}
	if err := CheckPassword(u.PasswordHash, password); err != nil {
		return nil, err
	}
	return s.tokens.Issue(u)
}

// Refresh rotates a refresh token into a fresh pair. Each refresh token
// is single use: replaying one that already rotated is rejected.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	if !s.consumeRefresh(claims) {
		return nil, services.ErrAuthRequired
	}
	u, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, services.ErrAuthRequired
	}
	return s.tokens.Issue(u)
}

// consumeRefresh marks the token id as spent. Returns false when the id
// is missing or already used.
func (s *Service) consumeRefresh(claims *Claims) bool {
	if claims.ID == "" || claims.ExpiresAt == nil {
		return false
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.usedRefresh {
		if exp.Before(now) {
			delete(s.usedRefresh, id)
		}
	}
	if _, used := s.usedRefresh[claims.ID]; used {
		return false
	}
	s.usedRefresh[claims.ID] = claims.ExpiresAt.Time
	return true
}

// ChangePassword verifies the current password before storing a new hash.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := CheckPassword(u.PasswordHash, current); err != nil {
		return services.ErrForbidden
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, userID, hash)
}

// VerifyAccess exposes bearer verification for the API middleware.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	return s.tokens.VerifyAccess(token)
}

// Bootstrap seeds the first analyst account when the users table is
// empty. Called once at startup; a non-empty table is a no-op.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	n, err := s.users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("counting users: %w", err)
	}
	if n > 0 {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u := &models.User{Username: username, PasswordHash: hash}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("seeding first user: %w", err)
	}
	s.log.Info("Seeded initial analyst account", "username", username, "user_id", u.ID)
	return nil
}
