package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/models"
)

// wsSendBuffer is the outbound frame queue per connection. A client that
// cannot drain it loses the connection rather than stalling the relay.
const wsSendBuffer = 256

// wsConn is one authenticated WebSocket client: a read loop dispatching
// ClientMessage frames, a write loop serializing outbound events, and
// one bus subscription per joined room.
type wsConn struct {
	srv       *Server
	conn      *websocket.Conn
	analystID string
	bucket    *tokenBucket

	send chan events.Event

	mu   sync.Mutex
	subs map[string]*events.Subscription

	closed    chan struct{}
	closeOnce sync.Once
}

// wsUpgradeHandler handles GET /ws. Authentication happens at the
// handshake: bearer header or ?token= for browser clients that cannot
// set headers on WebSocket requests.
func (s *Server) wsUpgradeHandler(c *echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	claims, err := s.auth.VerifyAccess(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin allowlisting is the deployment proxy's job
	})
	if err != nil {
		return err
	}

	w := &wsConn{
		srv:       s,
		conn:      conn,
		analystID: claims.Subject,
		bucket:    newTokenBucket(s.cfg.TerminalRateBytesPerSec, s.cfg.TerminalBurstBytes),
		send:      make(chan events.Event, wsSendBuffer),
		subs:      map[string]*events.Subscription{},
		closed:    make(chan struct{}),
	}

	s.wsMu.Lock()
	if s.closing {
		s.wsMu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return nil
	}
	s.wsConns[w] = struct{}{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, w)
		s.wsMu.Unlock()
		w.teardown()
	}()

	go w.writeLoop()
	w.readLoop(c.Request().Context())
	return nil
}

// goAway closes the connection with 1001, used at shutdown.
func (w *wsConn) goAway() {
	w.closeOnce.Do(func() { close(w.closed) })
	w.conn.Close(websocket.StatusGoingAway, "shutting down")
}

func (w *wsConn) teardown() {
	w.closeOnce.Do(func() { close(w.closed) })
	w.mu.Lock()
	for room, sub := range w.subs {
		sub.Close()
		delete(w.subs, room)
	}
	w.mu.Unlock()
	w.conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop parses and dispatches client frames until the connection dies.
func (w *wsConn) readLoop(ctx context.Context) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg events.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.sendError("", "malformed frame")
			continue
		}
		w.dispatch(ctx, msg)
	}
}

func (w *wsConn) dispatch(ctx context.Context, msg events.ClientMessage) {
	switch msg.Action {
	case "join_session":
		w.join(events.SessionRoom(msg.SessionID))
	case "leave_session":
		w.leave(events.SessionRoom(msg.SessionID))
	case "terminal_input":
		w.terminalInput(ctx, msg)
	case "terminal_resize":
		if err := w.srv.sessions.TerminalResize(ctx, w.analystID, msg.SessionID, msg.Cols, msg.Rows); err != nil {
			w.sendError(msg.SessionID, err.Error())
		}
	case "toggle_mode":
		if err := w.srv.sessions.ToggleMode(ctx, w.analystID, msg.SessionID, models.SessionMode(msg.Mode)); err != nil {
			w.sendError(msg.SessionID, err.Error())
		}
	case "ping":
		// Keepalive only; the write loop's heartbeat covers liveness.
	default:
		w.sendError(msg.SessionID, "unknown action: "+msg.Action)
	}
}

func (w *wsConn) terminalInput(ctx context.Context, msg events.ClientMessage) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		w.sendError(msg.SessionID, "terminal_input data must be base64")
		return
	}
	if !w.bucket.allow(len(data)) {
		w.sendError(msg.SessionID, "terminal input rate limit exceeded")
		return
	}
	if err := w.srv.sessions.TerminalInput(ctx, w.analystID, msg.SessionID, data); err != nil {
		// Delivered to this client only; the session room stays clean.
		w.sendError(msg.SessionID, err.Error())
	}
}

// join subscribes the connection to a bus room and forwards its events.
func (w *wsConn) join(room string) {
	w.mu.Lock()
	if _, ok := w.subs[room]; ok {
		w.mu.Unlock()
		return
	}
	sub := w.srv.bus.SubscribeNamed(room, "ws:"+w.analystID, wsSendBuffer)
	w.subs[room] = sub
	w.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				select {
				case w.send <- ev:
				case <-w.closed:
					return
				}
			case <-w.closed:
				return
			}
		}
	}()
}

func (w *wsConn) leave(room string) {
	w.mu.Lock()
	sub := w.subs[room]
	delete(w.subs, room)
	w.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// writeLoop serializes outbound events and heartbeats.
func (w *wsConn) writeLoop() {
	heartbeat := time.NewTicker(w.srv.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-w.send:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := w.write(data); err != nil {
				w.goAway()
				return
			}
		case <-heartbeat.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.srv.cfg.WriteTimeout)
			err := w.conn.Ping(ctx)
			cancel()
			if err != nil {
				w.goAway()
				return
			}
		case <-w.closed:
			return
		}
	}
}

func (w *wsConn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.srv.cfg.WriteTimeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// sendError queues a system.error frame for this client only.
func (w *wsConn) sendError(sessionID, message string) {
	ev := events.New(events.TypeSystemError, events.SystemErrorPayload{
		SessionID: sessionID,
		Severity:  "error",
		Source:    "gateway",
		Message:   message,
	})
	ev.SessionID = sessionID
	select {
	case w.send <- ev:
	default:
		// Client is not draining; the connection is past saving anyway.
	}
}

// tokenBucket rate-limits terminal_input bytes per connection.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
}

func newTokenBucket(ratePerSec, burst int) *tokenBucket {
	return &tokenBucket{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   float64(ratePerSec),
		last:   time.Now(),
	}
}

// allow consumes n tokens when available; refill is continuous.
func (b *tokenBucket) allow(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if float64(n) > b.tokens {
		return false
	}
	b.tokens -= float64(n)
	return true
}
