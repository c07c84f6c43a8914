package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

// reapInterval is how often the reaper sweeps for idle sessions.
const reapInterval = time.Minute

// Manager admits sessions and routes writer operations to their owner
// goroutines. It enforces the per-(analyst, asset) dedup and carries the
// idle-session reaper.
type Manager struct {
	cfg      config.HuntConfig
	bus      *events.Bus
	dial     Dialer
	creds    CredentialSource
	registry *hunt.Registry
	runner   *hunt.Runner
	reporter hunt.Reporter
	store    Store

	// reconnectBackoffs overrides the runtime default; tests shrink it.
	reconnectBackoffs []time.Duration
	reapEvery         time.Duration

	mu       sync.Mutex
	byID     map[string]*Runtime
	draining bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ManagerDeps wires the manager's collaborators. Reporter and Store may
// be nil (AI disabled, in-memory only).
type ManagerDeps struct {
	Bus      *events.Bus
	Dial     Dialer
	Creds    CredentialSource
	Registry *hunt.Registry
	Runner   *hunt.Runner
	Reporter hunt.Reporter
	Store    Store
}

// NewManager creates a manager. Call Start to launch the reaper and
// Shutdown to drain.
func NewManager(cfg config.HuntConfig, deps ManagerDeps) *Manager {
	return &Manager{
		cfg:       cfg,
		bus:       deps.Bus,
		dial:      deps.Dial,
		creds:     deps.Creds,
		registry:  deps.Registry,
		runner:    deps.Runner,
		reporter:  deps.Reporter,
		store:     deps.Store,
		reapEvery: reapInterval,
		byID:      make(map[string]*Runtime),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the idle-session reaper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.reapLoop()
}

// CreateSession opens a session on an asset. A non-terminal session for
// the same (analyst, asset) is returned as-is instead of creating a
// second one.
func (m *Manager) CreateSession(ctx context.Context, analystID, assetID string, mode models.SessionMode) (models.Session, error) {
	if mode != models.ModeAI && mode != models.ModeInteractive {
		return models.Session{}, fmt.Errorf("%w: unknown mode %q", services.ErrInvalidInput, mode)
	}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return models.Session{}, services.ErrShutdown
	}
	for _, rt := range m.byID {
		snap := rt.Snapshot()
		if snap.AnalystID == analystID && snap.AssetID == assetID && !snap.State.Terminal() {
			m.mu.Unlock()
			return snap, nil
		}
	}

	s := models.Session{
		ID:        uuid.NewString(),
		AssetID:   assetID,
		AnalystID: analystID,
		Mode:      mode,
		State:     models.StateInitializing,
		CreatedAt: time.Now(),
	}
	rt := newRuntime(s, runtimeDeps{
		bus:      m.bus,
		dial:     m.dial,
		creds:    m.creds,
		runner:   m.runner,
		reporter: m.reporter,
		store:    m.store,
		backoffs: m.reconnectBackoffs,
	})
	m.byID[s.ID] = rt
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.CreateSession(ctx, &s); err != nil {
			m.mu.Lock()
			delete(m.byID, s.ID)
			m.mu.Unlock()
			return models.Session{}, fmt.Errorf("persisting session: %w", err)
		}
	}

	m.bus.Emit(events.Event{
		Type:      events.TypeSessionCreated,
		SessionID: s.ID,
		AssetID:   s.AssetID,
		Timestamp: time.Now(),
		Payload: events.SessionStatePayload{
			SessionID: s.ID,
			AssetID:   s.AssetID,
			AnalystID: s.AnalystID,
			State:     string(s.State),
			Mode:      string(s.Mode),
		},
	})

	rt.Start()
	return s, nil
}

// Get returns the live session snapshot.
func (m *Manager) Get(id string) (models.Session, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return models.Session{}, err
	}
	return rt.Snapshot(), nil
}

// List returns snapshots of every tracked session.
func (m *Manager) List() []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.byID))
	for _, rt := range m.byID {
		out = append(out, rt.Snapshot())
	}
	return out
}

// Stats summarizes the registry for the health endpoint.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[string]int{"total": len(m.byID)}
	for _, rt := range m.byID {
		stats[string(rt.State())]++
	}
	return stats
}

// StartHunt resolves the module, checks OS compatibility and admission,
// and hands the hunt to the session owner.
func (m *Manager) StartHunt(ctx context.Context, analystID, sessionID, moduleID string, runAI bool) (*models.Hunt, error) {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return nil, err
	}

	mod, err := m.registry.Get(moduleID)
	if err != nil {
		return nil, err
	}

	snap := rt.Snapshot()
	if osTag := rt.OS(); !mod.SupportsOS(osTag) {
		return nil, fmt.Errorf("%w: module %s does not support %s",
			services.ErrIncompatibleOS, mod.ID, osTag)
	}

	h := &models.Hunt{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AssetID:   snap.AssetID,
		ModuleID:  mod.ID,
		RunAI:     runAI,
		Status:    models.HuntPending,
	}
	if m.store != nil {
		if err := m.store.CreateHunt(ctx, h); err != nil {
			return nil, fmt.Errorf("persisting hunt: %w", err)
		}
	}

	// The hunt goroutine mutates its hunt record as steps complete; the
	// caller gets a separate snapshot it can marshal safely.
	owned := *h
	if err := rt.StartHunt(ctx, analystID, &owned, mod); err != nil {
		return nil, err
	}
	return h, nil
}

// CancelHunt cancels a running hunt on the session.
func (m *Manager) CancelHunt(ctx context.Context, analystID, sessionID, huntID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.CancelHunt(ctx, analystID, huntID)
}

// TerminalInput forwards analyst keystrokes to the session PTY.
func (m *Manager) TerminalInput(ctx context.Context, analystID, sessionID string, data []byte) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.TerminalInput(ctx, analystID, data)
}

// TerminalResize changes the session PTY geometry.
func (m *Manager) TerminalResize(ctx context.Context, analystID, sessionID string, cols, rows int) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.TerminalResize(ctx, analystID, cols, rows)
}

// ToggleMode switches the session between ai and interactive.
func (m *Manager) ToggleMode(ctx context.Context, analystID, sessionID string, mode models.SessionMode) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.ToggleMode(ctx, analystID, mode)
}

// Lock marks the session locked by the analyst.
func (m *Manager) Lock(ctx context.Context, analystID, sessionID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.Lock(ctx, analystID)
}

// Unlock releases the session lock.
func (m *Manager) Unlock(ctx context.Context, analystID, sessionID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.Unlock(ctx, analystID)
}

// Pause suspends the session.
func (m *Manager) Pause(ctx context.Context, analystID, sessionID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.Pause(ctx, analystID)
}

// Resume returns a paused session to RUNNING.
func (m *Manager) Resume(ctx context.Context, analystID, sessionID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.Resume(ctx, analystID)
}

// Terminate closes the session on behalf of an analyst.
func (m *Manager) Terminate(ctx context.Context, analystID, sessionID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}
	return rt.Terminate(ctx, analystID)
}

func (m *Manager) runtime(id string) (*Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.byID[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return rt, nil
}

// reapLoop terminates idle sessions and prunes terminal runtimes.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	idleAfter := m.cfg.IdleSessionTimeout
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}

	m.mu.Lock()
	var idle []*Runtime
	for id, rt := range m.byID {
		switch {
		case rt.State().Terminal():
			delete(m.byID, id)
		case rt.IdleFor() > idleAfter:
			idle = append(idle, rt)
		}
	}
	m.mu.Unlock()

	for _, rt := range idle {
		slog.Info("reaping idle session",
			"session_id", rt.id, "idle_for", rt.IdleFor().Round(time.Second))
		rt.Close()
	}
}

// Shutdown drains: no new sessions are admitted, every owner is closed,
// and the call returns once all owners report terminal or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	m.draining = true
	runtimes := make([]*Runtime, 0, len(m.byID))
	for _, rt := range m.byID {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.Close()
	}

	done := make(chan struct{})
	go func() {
		for _, rt := range runtimes {
			rt.Wait()
		}
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
