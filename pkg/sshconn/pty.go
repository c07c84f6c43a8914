package sshconn

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/darkhound/darkhound/pkg/events"
)

const (
	// ptyFlushInterval paces terminal.data emissions to ~60/s. Bursty
	// remote output is coalesced into one event per tick.
	ptyFlushInterval = time.Second / 60

	// ptyCoalesceLimit flushes early once this many bytes are pending,
	// so a single huge burst doesn't sit in memory for a full tick.
	ptyCoalesceLimit = 8 * 1024

	// ptyReadSize is the transport read granularity.
	ptyReadSize = 4 * 1024
)

// PTY is the interactive pseudo-terminal on a session's SSH client.
// Remote output is published as base64 terminal.data events on the
// session room; Write carries the analyst's keystrokes.
type PTY struct {
	client *Client
	sess   *ssh.Session
	stdin  io.WriteCloser

	mu        sync.Mutex
	cols      int
	rows      int
	closeOnce sync.Once
	closedCh  chan struct{}

	// onClosed fires once when the remote shell exits or the PTY is
	// closed; the session runtime uses it to leave interactive mode.
	onClosed func()
}

// OpenPTY opens a shell channel with the requested geometry and starts
// the output pump. One PTY at a time per client; the session runtime
// enforces that.
func (c *Client) OpenPTY(cols, rows int) (*PTY, error) {
	if !c.Alive() {
		return nil, ErrClientClosed
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("pty stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("pty stdout: %w", err)
	}
	// Stderr is merged into the terminal stream like a real tty.
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("pty stderr: %w", err)
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	p := &PTY{
		client:   c,
		sess:     sess,
		stdin:    stdin,
		cols:     cols,
		rows:     rows,
		closedCh: make(chan struct{}),
	}

	c.bus.Emit(events.Event{
		Type:      events.TypeTerminalStarted,
		SessionID: c.sessionID,
		Timestamp: time.Now(),
		Payload: events.TerminalResizePayload{
			SessionID: c.sessionID,
			Cols:      cols,
			Rows:      rows,
		},
	})

	raw := make(chan []byte, 32)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.readPump(stdout, raw, &pumps)
	go p.readPump(stderr, raw, &pumps)
	go func() {
		pumps.Wait()
		close(raw)
	}()
	go p.coalesceLoop(raw)

	return p, nil
}

// SetOnClosed registers the shell-exit callback. Called once, before the
// first output is consumed.
func (p *PTY) SetOnClosed(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClosed = fn
}

// Write sends analyst keystrokes to the remote shell.
func (p *PTY) Write(data []byte) error {
	select {
	case <-p.closedCh:
		return ErrChannelClosed
	default:
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Resize changes the remote terminal geometry and echoes terminal.resize
// so every joined tab stays consistent.
func (p *PTY) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", cols, rows)
	}
	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()

	if err := p.sess.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	p.client.bus.Emit(events.Event{
		Type:      events.TypeTerminalResize,
		SessionID: p.client.sessionID,
		Timestamp: time.Now(),
		Payload: events.TerminalResizePayload{
			SessionID: p.client.sessionID,
			Cols:      cols,
			Rows:      rows,
		},
	})
	return nil
}

// Close tears the PTY down and emits terminal.closed. Idempotent.
func (p *PTY) Close() {
	p.closeOnce.Do(func() {
		close(p.closedCh)
		_ = p.stdin.Close()
		_ = p.sess.Close()

		p.client.bus.Emit(events.Event{
			Type:      events.TypeTerminalClosed,
			SessionID: p.client.sessionID,
			Timestamp: time.Now(),
			Payload: events.TerminalDataPayload{
				SessionID: p.client.sessionID,
			},
		})

		p.mu.Lock()
		fn := p.onClosed
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// readPump moves transport reads into the coalescer.
func (p *PTY) readPump(r io.Reader, out chan<- []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, ptyReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-p.closedCh:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// coalesceLoop batches remote output into at most one terminal.data
// emission per flush interval (or earlier at the coalesce limit). When
// the stream ends, pending bytes are flushed and the PTY closes itself.
func (p *PTY) coalesceLoop(raw <-chan []byte) {
	ticker := time.NewTicker(ptyFlushInterval)
	defer ticker.Stop()

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		p.client.bus.Emit(events.Event{
			Type:      events.TypeTerminalData,
			SessionID: p.client.sessionID,
			Timestamp: time.Now(),
			Payload: events.TerminalDataPayload{
				SessionID: p.client.sessionID,
				Data:      base64.StdEncoding.EncodeToString(pending),
			},
		})
		pending = nil
	}

	for {
		select {
		case chunk, ok := <-raw:
			if !ok {
				flush()
				p.Close()
				return
			}
			pending = append(pending, chunk...)
			if len(pending) >= ptyCoalesceLimit {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.closedCh:
			flush()
			return
		}
	}
}
