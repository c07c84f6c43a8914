package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
	"github.com/darkhound/darkhound/pkg/sshconn"
)

const (
	inboxSize    = 128
	storeTimeout = 5 * time.Second

	defaultCols = 80
	defaultRows = 24
)

// defaultReconnectBackoffs paces the auto-reconnect attempts after a
// transport death. Each delay gets up to 25% jitter.
var defaultReconnectBackoffs = []time.Duration{250 * time.Millisecond, time.Second, 4 * time.Second}

type msgKind int

const (
	msgTerminalInput msgKind = iota
	msgTerminalResize
	msgToggleMode
	msgStartHunt
	msgCancelHunt
	msgLock
	msgUnlock
	msgPause
	msgResume
	msgClose

	// internal, posted by callbacks and subordinate goroutines
	msgTransportDead
	msgPTYClosed
	msgStepBoundary
	msgHuntDone
)

// message is one inbox entry. Writer operations carry the requesting
// analyst for the lock check and a reply channel; internal messages
// carry neither.
type message struct {
	kind    msgKind
	analyst string
	reply   chan error

	data       []byte
	cols, rows int
	mode       models.SessionMode
	hunt       *models.Hunt
	module     *hunt.Module
	huntID     string
	err        error
}

// Runtime is one live session. All state mutation happens on the owner
// goroutine; the exported methods only post messages and read snapshots.
type Runtime struct {
	id        string
	assetID   string
	analystID string

	bus      *events.Bus
	dial     Dialer
	creds    CredentialSource
	runner   *hunt.Runner
	reporter hunt.Reporter
	store    Store
	backoffs []time.Duration
	log      *slog.Logger

	inbox    chan message
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.Mutex
	snap         models.Session
	lastActivity time.Time
	activeHuntID string
	osTag        models.OSTag

	// owner-only fields, never touched off the owner goroutine
	conn        Conn
	pty         Terminal
	dialCreds   sshconn.Credentials
	dialTarget  sshconn.Target
	pendingMode models.SessionMode
	huntCancel  context.CancelFunc
	inputLine   []byte
}

func newRuntime(s models.Session, deps runtimeDeps) *Runtime {
	backoffs := deps.backoffs
	if len(backoffs) == 0 {
		backoffs = defaultReconnectBackoffs
	}
	return &Runtime{
		id:        s.ID,
		assetID:   s.AssetID,
		analystID: s.AnalystID,
		bus:       deps.bus,
		dial:      deps.dial,
		creds:     deps.creds,
		runner:    deps.runner,
		reporter:  deps.reporter,
		store:     deps.store,
		backoffs:  backoffs,
		log:       slog.With("session_id", s.ID, "asset_id", s.AssetID),
		inbox:     make(chan message, inboxSize),
		stopCh:    make(chan struct{}),
		snap:      s,

		lastActivity: time.Now(),
	}
}

type runtimeDeps struct {
	bus      *events.Bus
	dial     Dialer
	creds    CredentialSource
	runner   *hunt.Runner
	reporter hunt.Reporter
	store    Store
	backoffs []time.Duration
}

// Start spawns the owner goroutine.
func (r *Runtime) Start() {
	r.wg.Add(1)
	go r.run()
}

// Snapshot returns a copy of the session record.
func (r *Runtime) Snapshot() models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// State returns the current session state.
func (r *Runtime) State() models.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.State
}

// OS returns the effective OS tag of the connected transport; OSUnknown
// before the first successful connect.
func (r *Runtime) OS() models.OSTag {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.osTag == "" {
		return models.OSUnknown
	}
	return r.osTag
}

// IdleFor reports how long ago the session last saw analyst traffic.
func (r *Runtime) IdleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastActivity)
}

// Close tears the session down without a lock check. Used by the
// manager's reaper and graceful shutdown; analyst-initiated termination
// goes through Terminate so the lock applies.
func (r *Runtime) Close() {
	r.stop()
}

// Wait blocks until the owner goroutine has exited.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// TerminalInput writes analyst keystrokes to the PTY.
func (r *Runtime) TerminalInput(ctx context.Context, analyst string, data []byte) error {
	return r.post(ctx, message{kind: msgTerminalInput, analyst: analyst, data: data})
}

// TerminalResize changes the PTY geometry.
func (r *Runtime) TerminalResize(ctx context.Context, analyst string, cols, rows int) error {
	return r.post(ctx, message{kind: msgTerminalResize, analyst: analyst, cols: cols, rows: rows})
}

// ToggleMode switches between ai and interactive. With a hunt in
// flight the switch is queued and applied at the next step boundary.
func (r *Runtime) ToggleMode(ctx context.Context, analyst string, mode models.SessionMode) error {
	return r.post(ctx, message{kind: msgToggleMode, analyst: analyst, mode: mode})
}

// StartHunt admits a prepared hunt onto the session. The manager has
// already done module resolution and the OS check.
func (r *Runtime) StartHunt(ctx context.Context, analyst string, h *models.Hunt, mod *hunt.Module) error {
	return r.post(ctx, message{kind: msgStartHunt, analyst: analyst, hunt: h, module: mod})
}

// CancelHunt cancels the in-flight hunt.
func (r *Runtime) CancelHunt(ctx context.Context, analyst, huntID string) error {
	return r.post(ctx, message{kind: msgCancelHunt, analyst: analyst, huntID: huntID})
}

// Lock marks the session locked by the analyst.
func (r *Runtime) Lock(ctx context.Context, analyst string) error {
	return r.post(ctx, message{kind: msgLock, analyst: analyst})
}

// Unlock releases the lock. Idempotent; only honored from the locker.
func (r *Runtime) Unlock(ctx context.Context, analyst string) error {
	return r.post(ctx, message{kind: msgUnlock, analyst: analyst})
}

// Pause suspends the session.
func (r *Runtime) Pause(ctx context.Context, analyst string) error {
	return r.post(ctx, message{kind: msgPause, analyst: analyst})
}

// Resume returns a paused session to RUNNING.
func (r *Runtime) Resume(ctx context.Context, analyst string) error {
	return r.post(ctx, message{kind: msgResume, analyst: analyst})
}

// Terminate closes the session on behalf of an analyst, honoring the lock.
func (r *Runtime) Terminate(ctx context.Context, analyst string) error {
	return r.post(ctx, message{kind: msgClose, analyst: analyst})
}

// post submits a writer message and waits for the owner's reply.
func (r *Runtime) post(ctx context.Context, m message) error {
	m.reply = make(chan error, 1)
	r.touch()

	select {
	case r.inbox <- m:
	case <-r.stopCh:
		return services.ErrSessionTerminal
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-m.reply:
		return err
	case <-r.stopCh:
		return services.ErrSessionTerminal
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync submits an internal message from a callback goroutine.
func (r *Runtime) postAsync(m message) {
	select {
	case r.inbox <- m:
	case <-r.stopCh:
	}
}

func (r *Runtime) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Runtime) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// run is the owner goroutine. It is the only writer to session state and
// the only issuer of SSH operations for this session.
func (r *Runtime) run() {
	defer r.wg.Done()
	defer r.stop()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("session owner panicked",
				"panic", p, "stack", string(debug.Stack()))
			r.emit(events.TypeSystemError, events.SystemErrorPayload{
				SessionID: r.id,
				Severity:  "fatal",
				Source:    "session",
				Message:   fmt.Sprintf("session owner panicked: %v", p),
			})
			r.transition(models.StateFailed, "owner panic")
			r.teardown("owner panic")
		}
	}()

	if !r.connect(context.Background(), 0) {
		return
	}

	for {
		select {
		case m := <-r.inbox:
			r.handle(m)
			if r.State().Terminal() {
				return
			}
		case <-r.stopCh:
			r.transition(models.StateTerminated, "shutdown")
			r.teardown("shutting down")
			return
		}
	}
}

// connect dials the transport and drives INITIALIZING/DISCONNECTED →
// CONNECTING → CONNECTED → RUNNING. attempt is non-zero on reconnects.
func (r *Runtime) connect(ctx context.Context, attempt int) bool {
	r.transition(models.StateConnecting, "")

	if attempt == 0 {
		target, creds, err := r.creds.Resolve(ctx, r.assetID)
		if err != nil {
			r.failConnect(fmt.Errorf("resolving credentials: %w", err), attempt)
			return false
		}
		r.dialTarget, r.dialCreds = target, creds
	}

	conn, err := r.dial(ctx, r.id, r.dialTarget, r.dialCreds)
	if err != nil {
		if attempt > 0 {
			// The reconnect loop owns the retry policy.
			r.emitSSHError(err, attempt)
			return false
		}
		r.failConnect(err, attempt)
		return false
	}

	r.conn = conn
	r.mu.Lock()
	r.osTag = conn.OS()
	r.mu.Unlock()
	conn.SetOnDead(func(err error) {
		r.postAsync(message{kind: msgTransportDead, err: err})
	})

	r.transition(models.StateConnected, "")
	r.applyMode(r.snapMode(), false)
	r.transition(models.StateRunning, "")
	if locker := r.lockedBy(); locker != "" {
		// The lock survives a reconnect.
		r.transition(models.StateLocked, "lock restored")
	}
	return true
}

func (r *Runtime) failConnect(err error, attempt int) {
	r.emitSSHError(err, attempt)
	r.transition(models.StateFailed, err.Error())
	r.teardown(err.Error())
}

func (r *Runtime) emitSSHError(err error, attempt int) {
	r.emit(events.TypeSSHError, events.SSHLifecyclePayload{
		SessionID: r.id,
		Error:     err.Error(),
		Attempt:   attempt,
	})
}

// handle processes one inbox message. Every message with a reply channel
// gets exactly one reply.
func (r *Runtime) handle(m message) {
	var err error
	switch m.kind {
	case msgTerminalInput:
		err = r.handleTerminalInput(m)
	case msgTerminalResize:
		err = r.handleTerminalResize(m)
	case msgToggleMode:
		err = r.handleToggleMode(m)
	case msgStartHunt:
		err = r.handleStartHunt(m)
	case msgCancelHunt:
		err = r.handleCancelHunt(m)
	case msgLock:
		err = r.handleLock(m)
	case msgUnlock:
		err = r.handleUnlock(m)
	case msgPause:
		err = r.handlePause(m)
	case msgResume:
		err = r.handleResume(m)
	case msgClose:
		err = r.handleClose(m)

	case msgTransportDead:
		r.handleTransportDead(m.err)
	case msgPTYClosed:
		r.pty = nil
	case msgStepBoundary:
		r.applyPendingMode()
	case msgHuntDone:
		r.handleHuntDone()
	}

	if m.reply != nil {
		m.reply <- err
	}
}

// writerCheck gates every writer operation on the lock and the state.
func (r *Runtime) writerCheck(analyst string) error {
	r.mu.Lock()
	state, locker := r.snap.State, r.snap.LockedBy
	r.mu.Unlock()

	if state.Terminal() {
		return services.ErrSessionTerminal
	}
	if locker != "" && analyst != locker {
		return services.ErrLocked
	}
	return nil
}

func (r *Runtime) handleTerminalInput(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	if !operational(r.State()) {
		return stateError(r.State())
	}
	if r.activeHunt() != "" {
		return fmt.Errorf("%w: hunt step in flight", services.ErrBusy)
	}
	if r.snapMode() != models.ModeInteractive {
		return fmt.Errorf("%w: session is not in interactive mode", services.ErrInvalidInput)
	}
	if r.pty == nil {
		return fmt.Errorf("%w: terminal not open", services.ErrInvalidInput)
	}
	if blocked, line := r.blockedInput(m.data); blocked {
		r.emit(events.TypeSystemError, events.SystemErrorPayload{
			SessionID: r.id,
			Severity:  "error",
			Source:    "terminal",
			Message:   fmt.Sprintf("input blocked by safety policy: %s", line),
		})
		return fmt.Errorf("%w: command blocked by safety policy", services.ErrInvalidInput)
	}
	return r.pty.Write(m.data)
}

// blockedInput assembles input into lines and classifies each completed
// line. A BLOCKED verdict refuses the whole write; the pending line
// buffer is reset so the analyst can retype.
func (r *Runtime) blockedInput(data []byte) (bool, string) {
	buf := append(append([]byte{}, r.inputLine...), data...)
	rest := buf
	for {
		idx := strings.IndexAny(string(rest), "\r\n")
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(rest[:idx]))
		rest = rest[idx+1:]
		if line == "" {
			continue
		}
		if hunt.ClassifyCommand(line) == hunt.VerdictBlocked {
			r.inputLine = nil
			return true, line
		}
	}
	r.inputLine = rest
	return false, ""
}

func (r *Runtime) handleTerminalResize(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	if r.pty == nil {
		return fmt.Errorf("%w: terminal not open", services.ErrInvalidInput)
	}
	if err := r.pty.Resize(m.cols, m.rows); err != nil {
		return err
	}
	r.emit(events.TypeTerminalResize, events.TerminalResizePayload{
		SessionID: r.id,
		Cols:      m.cols,
		Rows:      m.rows,
	})
	return nil
}

func (r *Runtime) handleToggleMode(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	if !operational(r.State()) {
		return stateError(r.State())
	}
	if m.mode != models.ModeAI && m.mode != models.ModeInteractive {
		return fmt.Errorf("%w: unknown mode %q", services.ErrInvalidInput, m.mode)
	}
	if m.mode == r.snapMode() {
		r.pendingMode = ""
		return nil
	}
	if r.activeHunt() != "" {
		// Applied at the next step boundary; mode_changed is emitted only
		// once the writer gate actually moves.
		r.pendingMode = m.mode
		return nil
	}
	r.applyMode(m.mode, true)
	return nil
}

// applyMode moves the writer gate. Interactive opens the PTY; ai closes it.
func (r *Runtime) applyMode(mode models.SessionMode, emitChange bool) {
	if mode == models.ModeInteractive {
		if r.pty == nil && r.conn != nil {
			pty, err := r.conn.OpenPTY(defaultCols, defaultRows)
			if err != nil {
				r.log.Warn("opening PTY failed", "error", err)
				r.emit(events.TypeSystemError, events.SystemErrorPayload{
					SessionID: r.id,
					Severity:  "error",
					Source:    "terminal",
					Message:   fmt.Sprintf("opening terminal: %v", err),
				})
			} else {
				pty.SetOnClosed(func() { r.postAsync(message{kind: msgPTYClosed}) })
				r.pty = pty
				r.emit(events.TypeTerminalStarted, events.TerminalResizePayload{
					SessionID: r.id,
					Cols:      defaultCols,
					Rows:      defaultRows,
				})
			}
		}
	} else if r.pty != nil {
		r.pty.Close()
		r.pty = nil
	}

	r.mu.Lock()
	r.snap.Mode = mode
	snap := r.snap
	r.mu.Unlock()

	if emitChange {
		r.emit(events.TypeSessionModeChanged, events.SessionStatePayload{
			SessionID: r.id,
			AssetID:   r.assetID,
			AnalystID: r.analystID,
			State:     string(snap.State),
			Mode:      string(mode),
		})
	}
}

// applyPendingMode runs on step boundaries and on hunt completion; the
// gate moves between steps, never mid-exec.
func (r *Runtime) applyPendingMode() {
	if r.pendingMode == "" {
		return
	}
	mode := r.pendingMode
	r.pendingMode = ""
	if mode != r.snapMode() {
		r.applyMode(mode, true)
	}
}

func (r *Runtime) handleStartHunt(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	if !operational(r.State()) {
		return stateError(r.State())
	}
	if r.activeHunt() != "" {
		return services.ErrBusy
	}

	h, mod := m.hunt, m.module
	now := time.Now()
	h.Status = models.HuntRunning
	h.StartedAt = &now
	r.persistHunt(h)

	hctx, cancel := context.WithCancel(context.Background())
	r.huntCancel = cancel
	r.setActiveHunt(h.ID)

	sudo, hasSudo := r.sudoSpec()
	params := hunt.RunParams{
		Hunt:     h,
		Module:   mod,
		Executor: r.conn,
		Sudo:     sudo,
		HasSudo:  hasSudo,
		OnObservation: func(o models.Observation) {
			r.persistObservation(o)
			r.postAsync(message{kind: msgStepBoundary})
		},
	}
	if h.RunAI {
		params.Reporter = r.reporter
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("hunt goroutine panicked",
					"hunt_id", h.ID, "panic", p, "stack", string(debug.Stack()))
				r.emit(events.TypeSystemError, events.SystemErrorPayload{
					SessionID: r.id,
					Severity:  "fatal",
					Source:    "hunt",
					Message:   fmt.Sprintf("hunt %s panicked: %v", h.ID, p),
				})
				h.Status = models.HuntFailed
				h.Error = fmt.Sprintf("panic: %v", p)
				end := time.Now()
				h.EndedAt = &end
				r.persistHunt(h)
				r.postAsync(message{kind: msgHuntDone})
			}
		}()

		res := r.runner.Run(hctx, params)

		end := time.Now()
		h.Status = res.Status
		h.EndedAt = &end
		h.FindingsCount = res.FindingsCount
		h.AIReportText = res.ReportText
		h.Error = res.Error
		r.persistHunt(h)
		r.postAsync(message{kind: msgHuntDone})
	}()
	return nil
}

func (r *Runtime) handleCancelHunt(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	if m.huntID != "" && m.huntID != r.activeHunt() {
		return services.ErrNotFound
	}
	if r.huntCancel == nil {
		return services.ErrNotFound
	}
	r.huntCancel()
	return nil
}

func (r *Runtime) handleHuntDone() {
	r.huntCancel = nil
	r.setActiveHunt("")
	r.applyPendingMode()
}

// sudoSpec resolves the per-hunt elevation from the dial credentials.
func (r *Runtime) sudoSpec() (sshconn.SudoSpec, bool) {
	switch r.dialCreds.SudoPolicy {
	case models.SudoNoPasswd:
		return sshconn.SudoSpec{Policy: models.SudoNoPasswd}, true
	case models.SudoReusePassword:
		if r.dialCreds.Kind != "password" {
			return sshconn.SudoSpec{}, false
		}
		return sshconn.SudoSpec{Policy: models.SudoReusePassword, Password: r.dialCreds.Secret}, true
	case models.SudoCustom:
		return sshconn.SudoSpec{Policy: models.SudoCustom, Password: r.dialCreds.SudoSecret}, true
	}
	return sshconn.SudoSpec{}, false
}

func (r *Runtime) handleLock(m message) error {
	r.mu.Lock()
	state, locker := r.snap.State, r.snap.LockedBy
	r.mu.Unlock()

	if state.Terminal() {
		return services.ErrSessionTerminal
	}
	if locker == m.analyst {
		return nil
	}
	if locker != "" {
		return services.ErrLocked
	}
	if state != models.StateRunning {
		return stateError(state)
	}

	r.mu.Lock()
	r.snap.LockedBy = m.analyst
	r.mu.Unlock()
	r.transition(models.StateLocked, "")
	r.emit(events.TypeSessionLocked, events.SessionLockPayload{
		SessionID: r.id,
		LockedBy:  m.analyst,
	})
	return nil
}

func (r *Runtime) handleUnlock(m message) error {
	r.mu.Lock()
	state, locker := r.snap.State, r.snap.LockedBy
	r.mu.Unlock()

	if state.Terminal() {
		return services.ErrSessionTerminal
	}
	if locker == "" {
		return nil // idempotent
	}
	if locker != m.analyst {
		return services.ErrForbidden
	}

	r.mu.Lock()
	r.snap.LockedBy = ""
	r.mu.Unlock()
	r.transition(models.StateRunning, "")
	r.emit(events.TypeSessionUnlocked, events.SessionLockPayload{
		SessionID: r.id,
		LockedBy:  m.analyst,
	})
	return nil
}

func (r *Runtime) handlePause(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	state := r.State()
	if state == models.StatePaused {
		return nil
	}
	if state != models.StateRunning {
		return stateError(state)
	}
	r.transition(models.StatePaused, "")
	return nil
}

func (r *Runtime) handleResume(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	state := r.State()
	if state == models.StateRunning {
		return nil
	}
	if state != models.StatePaused {
		return stateError(state)
	}
	r.transition(models.StateRunning, "")
	return nil
}

func (r *Runtime) handleClose(m message) error {
	if err := r.writerCheck(m.analyst); err != nil {
		return err
	}
	r.transition(models.StateTerminated, "closed by analyst")
	r.teardown("closed by analyst")
	return nil
}

// handleTransportDead runs the auto-reconnect policy: up to len(backoffs)
// jittered attempts, then FAILED. The owner blocks on the backoff sleeps;
// DISCONNECTED is terminal for writers so nothing is lost.
func (r *Runtime) handleTransportDead(cause error) {
	if r.State().Terminal() {
		return
	}
	r.log.Warn("session transport died", "error", cause)

	if r.huntCancel != nil {
		r.huntCancel()
	}
	if r.pty != nil {
		r.pty.Close()
		r.pty = nil
	}
	if r.conn != nil {
		r.conn.Close("transport died")
		r.conn = nil
	}
	r.transition(models.StateDisconnected, errString(cause))

	for i, backoff := range r.backoffs {
		if !r.sleep(jitter(backoff)) {
			return
		}
		if r.connect(context.Background(), i+1) {
			return
		}
		// connect left us CONNECTING; fall back for the next attempt.
		r.transition(models.StateDisconnected, "reconnect failed")
	}

	r.transition(models.StateFailed, "reconnect attempts exhausted")
	r.teardown("reconnect attempts exhausted")
}

// sleep waits for d unless the runtime is stopped first.
func (r *Runtime) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-r.stopCh:
		return false
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}

// transition moves the FSM, emits the state event, and persists the new
// state. Invalid edges are logged and ignored.
func (r *Runtime) transition(to models.SessionState, reason string) {
	r.mu.Lock()
	from := r.snap.State
	if from == to {
		r.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		r.mu.Unlock()
		r.log.Warn("invalid session transition ignored", "from", from, "to", to)
		return
	}
	r.snap.State = to
	if to == models.StateTerminated {
		now := time.Now()
		r.snap.TerminatedAt = &now
	}
	snap := r.snap
	r.mu.Unlock()

	eventType := events.TypeSessionStateChanged
	if to == models.StateTerminated {
		eventType = events.TypeSessionTerminated
	}
	r.emit(eventType, events.SessionStatePayload{
		SessionID: r.id,
		AssetID:   r.assetID,
		AnalystID: r.analystID,
		State:     string(to),
		PrevState: string(from),
		Mode:      string(snap.Mode),
		Reason:    reason,
	})

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.store.UpdateSessionState(ctx, r.id, to, snap.LockedBy, snap.TerminatedAt); err != nil {
			r.log.Warn("persisting session state failed", "state", to, "error", err)
		}
	}
}

// teardown releases the transport. Called once the FSM is terminal.
func (r *Runtime) teardown(reason string) {
	if r.huntCancel != nil {
		r.huntCancel()
		r.huntCancel = nil
	}
	if r.pty != nil {
		r.pty.Close()
		r.pty = nil
	}
	if r.conn != nil {
		r.conn.Close(reason)
		r.conn = nil
	}
	r.stop()
}

// persistHunt records hunt progress. The manager creates the PENDING row;
// the runtime only updates it.
func (r *Runtime) persistHunt(h *models.Hunt) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.UpdateHunt(ctx, h); err != nil {
		r.log.Warn("persisting hunt failed", "hunt_id", h.ID, "error", err)
	}
}

func (r *Runtime) persistObservation(o models.Observation) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SaveObservation(ctx, &o); err != nil {
		r.log.Warn("persisting observation failed",
			"hunt_id", o.HuntID, "step_id", o.StepID, "error", err)
	}
}

func (r *Runtime) emit(t events.Type, payload any) {
	r.bus.Emit(events.Event{
		Type:      t,
		SessionID: r.id,
		AssetID:   r.assetID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (r *Runtime) snapMode() models.SessionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Mode
}

func (r *Runtime) lockedBy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.LockedBy
}

func (r *Runtime) activeHunt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeHuntID
}

func (r *Runtime) setActiveHunt(id string) {
	r.mu.Lock()
	r.activeHuntID = id
	r.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
