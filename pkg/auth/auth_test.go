package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

const testSealKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		SealKey:         testSealKey,
	}
}

type memUserStore struct {
	byID map[string]*models.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{byID: map[string]*models.User{}}
}

func (m *memUserStore) CreateUser(_ context.Context, u *models.User) error {
	for _, ex := range m.byID {
		if ex.Username == u.Username {
			return services.ErrAlreadyExists
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.byID[u.ID] = u
	return nil
}

func (m *memUserStore) GetUser(_ context.Context, id string) (*models.User, error) {
	u, ok := m.byID[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return u, nil
}

func (m *memUserStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	for _, u := range m.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, services.ErrNotFound
}

func (m *memUserStore) UpdatePassword(_ context.Context, id string, hash []byte) error {
	u, ok := m.byID[id]
	if !ok {
		return services.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUserStore) CountUsers(_ context.Context) (int, error) {
	return len(m.byID), nil
}

func TestSealRoundTrip(t *testing.T) {
	s, err := NewSealer(testSealKey)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hunter2")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plain)

	// Tampered ciphertext fails authentication.
	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.Error(t, err)
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	_, err := NewSealer("not-hex")
	assert.Error(t, err)
	_, err = NewSealer("0badf00d")
	assert.Error(t, err, "short key")
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	require.NoError(t, CheckPassword(hash, "correct horse battery"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong"), services.ErrAuthRequired)

	_, err = HashPassword("short")
	assert.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestTokenPairIssueAndVerify(t *testing.T) {
	tokens := NewTokens(testAuthConfig())
	u := &models.User{ID: uuid.NewString(), Username: "alice"}

	pair, err := tokens.Issue(u)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Subject)
	assert.Equal(t, "alice", claims.Username)

	refresh, err := tokens.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, refresh.Subject)
	assert.NotEmpty(t, refresh.ID, "refresh tokens carry a unique id")
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	tokens := NewTokens(testAuthConfig())
	pair, err := tokens.Issue(&models.User{ID: uuid.NewString(), Username: "alice"})
	require.NoError(t, err)

	_, err = tokens.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, services.ErrAuthRequired)
	_, err = tokens.VerifyRefresh(pair.AccessToken)
	assert.ErrorIs(t, err, services.ErrAuthRequired)
}

func TestExpiredTokenRejected(t *testing.T) {
	cfg := testAuthConfig()
	cfg.AccessTokenTTL = -time.Minute
	tokens := NewTokens(cfg)

	pair, err := tokens.Issue(&models.User{ID: uuid.NewString(), Username: "alice"})
	require.NoError(t, err)
	_, err = tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, services.ErrAuthRequired)
}

func TestForeignSignatureRejected(t *testing.T) {
	tokens := NewTokens(testAuthConfig())
	other := testAuthConfig()
	other.JWTSecret = "different-secret"
	pair, err := NewTokens(other).Issue(&models.User{ID: uuid.NewString()})
	require.NoError(t, err)

	_, err = tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, services.ErrAuthRequired)
}

func TestServiceLoginAndRefresh(t *testing.T) {
	ctx := context.Background()
	users := newMemUserStore()
	svc := NewService(users, NewTokens(testAuthConfig()))

	require.NoError(t, svc.Bootstrap(ctx, "admin", "initial-password"))

	pair, err := svc.Login(ctx, "admin", "initial-password")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "admin", "wrong-password")
	assert.ErrorIs(t, err, services.ErrAuthRequired)
	_, err = svc.Login(ctx, "nobody", "initial-password")
	assert.ErrorIs(t, err, services.ErrAuthRequired)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)

	_, err = svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, services.ErrAuthRequired)
}

func TestRefreshTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	users := newMemUserStore()
	svc := NewService(users, NewTokens(testAuthConfig()))
	require.NoError(t, svc.Bootstrap(ctx, "admin", "initial-password"))

	pair, err := svc.Login(ctx, "admin", "initial-password")
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// The spent token is rejected even though its exp is days away.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, services.ErrAuthRequired)

	// The rotated token still works.
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestServiceChangePassword(t *testing.T) {
	ctx := context.Background()
	users := newMemUserStore()
	svc := NewService(users, NewTokens(testAuthConfig()))
	require.NoError(t, svc.Bootstrap(ctx, "admin", "initial-password"))
	u, err := users.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ChangePassword(ctx, u.ID, "wrong", "next-password"), services.ErrForbidden)
	assert.ErrorIs(t, svc.ChangePassword(ctx, u.ID, "initial-password", "short"), services.ErrInvalidInput)

	require.NoError(t, svc.ChangePassword(ctx, u.ID, "initial-password", "next-password"))
	_, err = svc.Login(ctx, "admin", "next-password")
	require.NoError(t, err)
	_, err = svc.Login(ctx, "admin", "initial-password")
	assert.ErrorIs(t, err, services.ErrAuthRequired)
}

func TestBootstrapIsOneShot(t *testing.T) {
	ctx := context.Background()
	users := newMemUserStore()
	svc := NewService(users, NewTokens(testAuthConfig()))

	require.NoError(t, svc.Bootstrap(ctx, "admin", "initial-password"))
	require.NoError(t, svc.Bootstrap(ctx, "intruder", "other-password"))

	_, err := users.GetUserByUsername(ctx, "intruder")
	assert.ErrorIs(t, err, services.ErrNotFound)
}
