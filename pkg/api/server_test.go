package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkhound/darkhound/pkg/auth"
	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

const testWSSealKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// stubSessions implements SessionService with overridable hooks; the
// defaults behave like an empty registry.
type stubSessions struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	inputs   [][]byte

	onCreate    func(analystID, assetID string, mode models.SessionMode) (models.Session, error)
	onStartHunt func(analystID, sessionID, moduleID string, runAI bool) (*models.Hunt, error)
	onInput     func(analystID, sessionID string, data []byte) error
	onLock      func(analystID, sessionID string) error
}

func newStubSessions() *stubSessions {
	return &stubSessions{sessions: map[string]models.Session{}}
}

func (s *stubSessions) CreateSession(_ context.Context, analystID, assetID string, mode models.SessionMode) (models.Session, error) {
	if s.onCreate != nil {
		return s.onCreate(analystID, assetID, mode)
	}
	sess := models.Session{
		ID: uuid.NewString(), AssetID: assetID, AnalystID: analystID,
		Mode: mode, State: models.StateRunning, CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *stubSessions) Get(id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Session{}, services.ErrNotFound
	}
	return sess, nil
}

func (s *stubSessions) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{"total": len(s.sessions)}
}

func (s *stubSessions) StartHunt(_ context.Context, analystID, sessionID, moduleID string, runAI bool) (*models.Hunt, error) {
	if s.onStartHunt != nil {
		return s.onStartHunt(analystID, sessionID, moduleID, runAI)
	}
	return nil, services.ErrNotFound
}

func (s *stubSessions) CancelHunt(context.Context, string, string, string) error { return nil }

func (s *stubSessions) TerminalInput(_ context.Context, analystID, sessionID string, data []byte) error {
	if s.onInput != nil {
		return s.onInput(analystID, sessionID, data)
	}
	s.mu.Lock()
	s.inputs = append(s.inputs, data)
	s.mu.Unlock()
	return nil
}

func (s *stubSessions) TerminalResize(context.Context, string, string, int, int) error { return nil }

func (s *stubSessions) ToggleMode(context.Context, string, string, models.SessionMode) error {
	return nil
}

func (s *stubSessions) Lock(_ context.Context, analystID, sessionID string) error {
	if s.onLock != nil {
		return s.onLock(analystID, sessionID)
	}
	return nil
}

func (s *stubSessions) Unlock(context.Context, string, string) error    { return nil }
func (s *stubSessions) Terminate(context.Context, string, string) error { return nil }

// stubStore is an in-memory Datastore.
type stubStore struct {
	mu    sync.Mutex
	asset map[string]*models.Asset
	creds map[string]*models.Credential
	sess  map[string]*models.Session
	hunts map[string]*models.Hunt
	obs   map[string][]*models.Observation
}

func newStubStore() *stubStore {
	return &stubStore{
		asset: map[string]*models.Asset{},
		creds: map[string]*models.Credential{},
		sess:  map[string]*models.Session{},
		hunts: map[string]*models.Hunt{},
		obs:   map[string][]*models.Observation{},
	}
}

func (s *stubStore) CreateAsset(_ context.Context, a *models.Asset) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asset[a.ID] = a
	return nil
}

func (s *stubStore) GetAsset(_ context.Context, id string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.asset[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return a, nil
}

func (s *stubStore) ListAssets(context.Context) ([]*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Asset, 0, len(s.asset))
	for _, a := range s.asset {
		out = append(out, a)
	}
	return out, nil
}

func (s *stubStore) PatchAsset(ctx context.Context, id string, patch models.PatchAssetRequest) (*models.Asset, error) {
	a, err := s.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Hostname != nil {
		a.Hostname = *patch.Hostname
	}
	return a, nil
}

func (s *stubStore) DeleteAsset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.asset[id]; !ok {
		return services.ErrNotFound
	}
	delete(s.asset, id)
	return nil
}

func (s *stubStore) CreateCredential(_ context.Context, c *models.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.ID] = c
	return nil
}

func (s *stubStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

func (s *stubStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sess[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return sess, nil
}

func (s *stubStore) ListSessions(context.Context, string, int, int) ([]*models.Session, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Session, 0, len(s.sess))
	for _, sess := range s.sess {
		out = append(out, sess)
	}
	return out, len(out), nil
}

func (s *stubStore) GetHunt(_ context.Context, id string) (*models.Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hunts[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return h, nil
}

func (s *stubStore) ListHuntsBySession(_ context.Context, sessionID string) ([]*models.Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Hunt
	for _, h := range s.hunts {
		if h.SessionID == sessionID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *stubStore) ListHuntsByAsset(_ context.Context, assetID string) ([]*models.Hunt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Hunt
	for _, h := range s.hunts {
		if h.AssetID == assetID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *stubStore) ListObservations(_ context.Context, huntID string) ([]*models.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs[huntID], nil
}

func (s *stubStore) DeleteHunt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hunts[id]; !ok {
		return services.ErrNotFound
	}
	delete(s.hunts, id)
	delete(s.obs, id)
	return nil
}

// stubIntel is an in-memory IntelStore.
type stubIntel struct {
	mu       sync.Mutex
	findings map[string]*models.Finding
	timeline map[string][]*models.TimelineEntry
	reports  map[string][]*models.AIReport
	cascaded []string
}

func newStubIntel() *stubIntel {
	return &stubIntel{
		findings: map[string]*models.Finding{},
		timeline: map[string][]*models.TimelineEntry{},
		reports:  map[string][]*models.AIReport{},
	}
}

func (s *stubIntel) GetFinding(_ context.Context, id string) (*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return f, nil
}

func (s *stubIntel) ListFindings(_ context.Context, filters models.FindingFilters) ([]*models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Finding
	for _, f := range s.findings {
		if filters.AssetID != "" && f.AssetID != filters.AssetID {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *stubIntel) UpdateStatus(_ context.Context, id string, status models.FindingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[id]
	if !ok {
		return services.ErrNotFound
	}
	f.Status = status
	return nil
}

func (s *stubIntel) DeleteFinding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findings[id]; !ok {
		return services.ErrNotFound
	}
	delete(s.findings, id)
	return nil
}

func (s *stubIntel) AttachSTIX(_ context.Context, id string, bundle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.findings[id]; ok {
		f.STIXBundle = bundle
	}
	return nil
}

func (s *stubIntel) GetTimeline(_ context.Context, assetID string, _ int) ([]*models.TimelineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline[assetID], nil
}

func (s *stubIntel) ClearTimeline(_ context.Context, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timeline, assetID)
	return nil
}

func (s *stubIntel) ListAIReports(_ context.Context, assetID string) ([]*models.AIReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[assetID], nil
}

func (s *stubIntel) CascadeAssetDeleted(_ context.Context, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascaded = append(s.cascaded, assetID)
	return nil
}

// memUsers backs the auth service in handler tests.
type memUsers struct {
	mu   sync.Mutex
	byID map[string]*models.User
}

func (m *memUsers) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.byID[u.ID] = u
	return nil
}

func (m *memUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, services.ErrNotFound
}

func (m *memUsers) UpdatePassword(_ context.Context, id string, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return services.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUsers) CountUsers(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID), nil
}

// testGateway bundles the server with its stubs and a logged-in analyst.
type testGateway struct {
	srv      *Server
	sessions *stubSessions
	store    *stubStore
	intel    *stubIntel
	registry *hunt.Registry
	bus      *events.Bus
	token    string // analyst "alice"
	tokenB   string // analyst "bob"
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	sealer, err := auth.NewSealer(testWSSealKey)
	require.NoError(t, err)

	authCfg := config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	}
	users := &memUsers{byID: map[string]*models.User{}}
	authSvc := auth.NewService(users, auth.NewTokens(authCfg))
	ctx := context.Background()
	require.NoError(t, authSvc.Bootstrap(ctx, "alice", "alice-password"))
	hashB, err := auth.HashPassword("bob-password")
	require.NoError(t, err)
	require.NoError(t, users.CreateUser(ctx, &models.User{Username: "bob", PasswordHash: hashB}))

	pairA, err := authSvc.Login(ctx, "alice", "alice-password")
	require.NoError(t, err)
	pairB, err := authSvc.Login(ctx, "bob", "bob-password")
	require.NoError(t, err)

	g := &testGateway{
		sessions: newStubSessions(),
		store:    newStubStore(),
		intel:    newStubIntel(),
		registry: hunt.NewRegistry(t.TempDir(), time.Second),
		bus:      bus,
		token:    pairA.AccessToken,
		tokenB:   pairB.AccessToken,
	}
	g.srv = NewServer(config.ServerConfig{
		TerminalRateBytesPerSec: 64 * 1024,
		TerminalBurstBytes:      256 * 1024,
		HeartbeatInterval:       30 * time.Second,
		WriteTimeout:            5 * time.Second,
	}, Deps{
		Sessions: g.sessions,
		Store:    g.store,
		Intel:    g.intel,
		Registry: g.registry,
		Auth:     authSvc,
		Sealer:   sealer,
		Bus:      bus,
	})
	return g
}

// do performs an authenticated request against the router.
func (g *testGateway) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointIsPublic(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "sessions")
}

func TestAuthRequiredOnProtectedRoutes(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, "/api/v1/assets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = g.do(t, http.MethodGet, "/api/v1/assets", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = g.do(t, http.MethodGet, "/api/v1/assets", g.token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRefreshChangePassword(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/v1/auth/login", "", models.LoginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = g.do(t, http.MethodPost, "/api/v1/auth/login", "", models.LoginRequest{Username: "alice", Password: "alice-password"})
	require.Equal(t, http.StatusOK, rec.Code)
	var pair models.TokenPairResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.RefreshToken)

	rec = g.do(t, http.MethodPost, "/api/v1/auth/refresh", "", models.RefreshRequest{RefreshToken: pair.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodPost, "/api/v1/auth/change-password", pair.AccessToken,
		models.ChangePasswordRequest{OldPassword: "alice-password", NewPassword: "alice-password-2"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodPost, "/api/v1/auth/login", "", models.LoginRequest{Username: "alice", Password: "alice-password-2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersSet(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
