// Package api is the HTTP/WebSocket gateway. It owns no domain state:
// every handler validates input, calls one service, and maps the result
// through mapServiceError. Realtime delivery happens in handler_ws.go by
// relaying bus rooms to WebSocket clients.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/auth"
	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/models"
)

// SessionService is the slice of session.Manager the gateway calls.
type SessionService interface {
	CreateSession(ctx context.Context, analystID, assetID string, mode models.SessionMode) (models.Session, error)
	Get(id string) (models.Session, error)
	Stats() map[string]int
	StartHunt(ctx context.Context, analystID, sessionID, moduleID string, runAI bool) (*models.Hunt, error)
	CancelHunt(ctx context.Context, analystID, sessionID, huntID string) error
	TerminalInput(ctx context.Context, analystID, sessionID string, data []byte) error
	TerminalResize(ctx context.Context, analystID, sessionID string, cols, rows int) error
	ToggleMode(ctx context.Context, analystID, sessionID string, mode models.SessionMode) error
	Lock(ctx context.Context, analystID, sessionID string) error
	Unlock(ctx context.Context, analystID, sessionID string) error
	Terminate(ctx context.Context, analystID, sessionID string) error
}

// Datastore is the slice of the control-plane store the gateway calls.
type Datastore interface {
	CreateAsset(ctx context.Context, a *models.Asset) error
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	ListAssets(ctx context.Context) ([]*models.Asset, error)
	PatchAsset(ctx context.Context, id string, patch models.PatchAssetRequest) (*models.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
	CreateCredential(ctx context.Context, c *models.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, assetID string, limit, offset int) ([]*models.Session, int, error)
	GetHunt(ctx context.Context, id string) (*models.Hunt, error)
	ListHuntsBySession(ctx context.Context, sessionID string) ([]*models.Hunt, error)
	ListHuntsByAsset(ctx context.Context, assetID string) ([]*models.Hunt, error)
	ListObservations(ctx context.Context, huntID string) ([]*models.Observation, error)
	DeleteHunt(ctx context.Context, id string) error
}

// IntelStore is the slice of the intelligence store the gateway calls.
type IntelStore interface {
	GetFinding(ctx context.Context, id string) (*models.Finding, error)
	ListFindings(ctx context.Context, filters models.FindingFilters) ([]*models.Finding, error)
	UpdateStatus(ctx context.Context, id string, status models.FindingStatus) error
	DeleteFinding(ctx context.Context, id string) error
	AttachSTIX(ctx context.Context, id string, bundle []byte) error
	GetTimeline(ctx context.Context, assetID string, limit int) ([]*models.TimelineEntry, error)
	ClearTimeline(ctx context.Context, assetID string) error
	ListAIReports(ctx context.Context, assetID string) ([]*models.AIReport, error)
	CascadeAssetDeleted(ctx context.Context, assetID string) error
}

// Server wires handlers, middleware, and the WS relay.
type Server struct {
	cfg      config.ServerConfig
	sessions SessionService
	store    Datastore
	intel    IntelStore
	registry *hunt.Registry
	auth     *auth.Service
	sealer   *auth.Sealer
	bus      *events.Bus
	db       *sql.DB
	log      *slog.Logger

	echo *echo.Echo
	http *http.Server

	// Open WS connections, closed with 1001 on shutdown.
	wsMu    sync.Mutex
	wsConns map[*wsConn]struct{}
	closing bool
}

// Deps carries the services the gateway depends on.
type Deps struct {
	Sessions SessionService
	Store    Datastore
	Intel    IntelStore
	Registry *hunt.Registry
	Auth     *auth.Service
	Sealer   *auth.Sealer
	Bus      *events.Bus
	DB       *sql.DB
}

// NewServer builds the gateway with all routes registered.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		store:    deps.Store,
		intel:    deps.Intel,
		registry: deps.Registry,
		auth:     deps.Auth,
		sealer:   deps.Sealer,
		bus:      deps.Bus,
		db:       deps.DB,
		log:      slog.With("component", "api"),
		wsConns:  map[*wsConn]struct{}{},
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger(s.log))
	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", s.healthHandler)

	e.POST("/api/v1/auth/login", s.loginHandler)
	e.POST("/api/v1/auth/refresh", s.refreshHandler)

	g := e.Group("/api/v1", s.requireAuth())
	g.POST("/auth/change-password", s.changePasswordHandler)

	g.GET("/assets", s.listAssetsHandler)
	g.POST("/assets", s.createAssetHandler)
	g.GET("/assets/:id", s.getAssetHandler)
	g.PATCH("/assets/:id", s.patchAssetHandler)
	g.DELETE("/assets/:id", s.deleteAssetHandler)

	g.GET("/sessions", s.listSessionsHandler)
	g.POST("/sessions", s.createSessionHandler)
	g.GET("/sessions/:id", s.getSessionHandler)
	g.DELETE("/sessions/:id", s.terminateSessionHandler)
	g.POST("/sessions/:id/lock", s.lockSessionHandler)
	g.POST("/sessions/:id/unlock", s.unlockSessionHandler)
	g.GET("/sessions/:id/hunts", s.listSessionHuntsHandler)
	g.GET("/sessions/:id/reports", s.sessionReportsHandler)

	g.GET("/hunts/modules", s.listModulesHandler)
	g.POST("/hunts/modules", s.createModuleHandler)
	g.GET("/hunts/modules/:id", s.getModuleHandler)
	g.PUT("/hunts/modules/:id", s.updateModuleHandler)
	g.DELETE("/hunts/modules/:id", s.deleteModuleHandler)

	g.POST("/hunts", s.startHuntHandler)
	g.GET("/hunts/:id", s.getHuntHandler)
	g.GET("/hunts/:id/observations", s.listObservationsHandler)
	g.POST("/hunts/:id/cancel", s.cancelHuntHandler)
	g.DELETE("/hunts/reports/:id", s.deleteReportHandler)

	g.GET("/intelligence/findings", s.listFindingsHandler)
	g.GET("/intelligence/findings/:id", s.getFindingHandler)
	g.DELETE("/intelligence/findings/:id", s.deleteFindingHandler)
	g.PATCH("/intelligence/findings/:id/status", s.updateFindingStatusHandler)
	g.GET("/intelligence/findings/:id/stix", s.getSTIXHandler)
	g.GET("/intelligence/assets/:id/timeline", s.getTimelineHandler)
	g.DELETE("/intelligence/assets/:id/timeline", s.clearTimelineHandler)
	g.GET("/intelligence/assets/:id/reports", s.assetReportsHandler)

	// WS authenticates at handshake inside the handler (token query
	// param), not through requireAuth.
	e.GET("/ws", s.wsUpgradeHandler)
}

// Start serves until the listener closes. Blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("Gateway listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Shutdown stops accepting requests and closes every live WS
// connection with 1001 (going away).
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsMu.Lock()
	s.closing = true
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		c.goAway()
	}

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
