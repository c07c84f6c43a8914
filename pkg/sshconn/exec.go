package sshconn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/models"
)

const (
	// outputCap bounds captured stdout/stderr per exec. Anything beyond
	// is discarded and the truncation flag is set.
	outputCap = 256 * 1024

	// chunkSize bounds a single ssh.command_output emission.
	chunkSize = 16 * 1024
)

// sigkillDelay is how long SIGTERM gets before SIGKILL on timeout;
// tests shrink it.
var sigkillDelay = 2 * time.Second

// Exit codes that are not numeric.
const (
	ExitTimeout       = "timeout"
	ExitSignal        = "signal"
	ExitSkippedNoSudo = "skipped:no_sudo"
)

// sudoPromptRe strips any sudo password prompt that leaks into stderr.
var sudoPromptRe = regexp.MustCompile(`(?m)^\[sudo\] password for [^:]*:\s*`)

// SudoSpec tells Exec how to elevate a command.
type SudoSpec struct {
	Policy   models.SudoPolicy
	Password []byte // resolved secret for reuse-ssh-password / custom-password
}

// ExecRequest describes one remote command.
type ExecRequest struct {
	CommandID string // stable id carried on every output chunk
	Command   string
	Stdin     string
	Timeout   time.Duration
	Sudo      SudoSpec
	Quiet     bool // suppress ssh.command_* events (internal probes)
}

// ExecResult is the captured outcome of one command.
type ExecResult struct {
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        string // numeric, ExitTimeout or ExitSignal
	Duration        time.Duration
}

// boundedWriter captures up to outputCap bytes and streams every write
// to the emit callback in ≤chunkSize pieces.
type boundedWriter struct {
	mu        sync.Mutex
	buf       []byte
	truncated bool
	emit      func(chunk []byte)
}

func newBoundedWriter(emit func([]byte)) *boundedWriter {
	return &boundedWriter{emit: emit}
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if remaining := outputCap - len(w.buf); remaining > 0 {
		if len(p) <= remaining {
			w.buf = append(w.buf, p...)
		} else {
			w.buf = append(w.buf, p[:remaining]...)
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	w.mu.Unlock()

	if w.emit != nil {
		for off := 0; off < len(p); off += chunkSize {
			end := off + chunkSize
			if end > len(p) {
				end = len(p)
			}
			w.emit(p[off:end])
		}
	}
	return len(p), nil
}

func (w *boundedWriter) snapshot() ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out, w.truncated
}

// wrapSudo rewrites the command line for the sudo policy and returns the
// stdin to feed. A nopasswd policy uses -n so a password prompt fails
// fast instead of hanging; password policies pipe the secret via -S with
// an empty prompt.
func wrapSudo(command, stdin string, sudo SudoSpec) (string, string) {
	shellCmd := "sh -c " + shellQuote(command)
	switch sudo.Policy {
	case models.SudoNoPasswd:
		return "sudo -n -- " + shellCmd, stdin
	case models.SudoReusePassword, models.SudoCustom:
		return "sudo -S -p '' -- " + shellCmd, string(sudo.Password) + "\n" + stdin
	default:
		return command, stdin
	}
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Exec runs one command on a fresh channel. Output is streamed as
// ssh.command_output chunks and captured up to the 256 KiB cap. Timeouts
// are recorded in the result (ExitTimeout), not returned as errors; the
// error return is reserved for transport-level failures and caller
// cancellation.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if !c.Alive() {
		return nil, ErrClientClosed
	}

	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	defer sess.Close()

	command, stdin := wrapSudo(req.Command, req.Stdin, req.Sudo)

	var stdout, stderr *boundedWriter
	if req.Quiet {
		stdout = newBoundedWriter(nil)
		stderr = newBoundedWriter(nil)
	} else {
		c.bus.Emit(events.Event{
			Type:      events.TypeSSHCommandStarted,
			SessionID: c.sessionID,
			Timestamp: time.Now(),
			Payload: events.CommandStartedPayload{
				SessionID: c.sessionID,
				CommandID: req.CommandID,
				Command:   req.Command,
			},
		})
		stdout = newBoundedWriter(c.outputEmitter(req.CommandID, "stdout"))
		stderr = newBoundedWriter(c.outputEmitter(req.CommandID, "stderr"))
	}
	sess.Stdout = stdout
	sess.Stderr = stderr
	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- sess.Wait() }()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var exitCode string
	var dur time.Duration

	select {
	case waitErr := <-waitCh:
		exitCode = classifyExit(waitErr)
		dur = time.Since(start)

	case <-timer.C:
		exitCode = ExitTimeout
		// The wall clock stops at the deadline; kill escalation can
		// take up to sigkillDelay more when the process ignores
		// SIGTERM, and that is not the command's runtime.
		dur = time.Since(start)
		c.killSession(sess, waitCh)

	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		_ = sess.Close()
		res := c.finishExec(req, stdout, stderr, ExitSignal, time.Since(start))
		return res, ctx.Err()

	case <-c.closeCh:
		_ = sess.Close()
		return nil, ErrClientClosed
	}

	return c.finishExec(req, stdout, stderr, exitCode, dur), nil
}

// killSession escalates SIGTERM → SIGKILL → channel close on a timed-out
// command, giving the remote process sigkillDelay to exit cleanly.
func (c *Client) killSession(sess *ssh.Session, waitCh <-chan error) {
	_ = sess.Signal(ssh.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(sigkillDelay):
	}
	_ = sess.Signal(ssh.SIGKILL)
	select {
	case <-waitCh:
	case <-time.After(500 * time.Millisecond):
		_ = sess.Close()
	}
}

// finishExec snapshots output, strips sudo prompt noise, and publishes
// ssh.command_completed.
func (c *Client) finishExec(req ExecRequest, stdout, stderr *boundedWriter, exitCode string, dur time.Duration) *ExecResult {
	outBytes, outTrunc := stdout.snapshot()
	errBytes, errTrunc := stderr.snapshot()
	errBytes = sudoPromptRe.ReplaceAll(errBytes, nil)

	res := &ExecResult{
		Stdout:          outBytes,
		Stderr:          errBytes,
		StdoutTruncated: outTrunc,
		StderrTruncated: errTrunc,
		ExitCode:        exitCode,
		Duration:        dur,
	}

	if !req.Quiet {
		c.bus.Emit(events.Event{
			Type:      events.TypeSSHCommandCompleted,
			SessionID: c.sessionID,
			Timestamp: time.Now(),
			Payload: events.CommandCompletedPayload{
				SessionID:  c.sessionID,
				CommandID:  req.CommandID,
				ExitCode:   exitCode,
				DurationMS: dur.Milliseconds(),
			},
		})
	}
	return res
}

// outputEmitter publishes one ≤16 KiB output chunk on the session room.
func (c *Client) outputEmitter(commandID, stream string) func([]byte) {
	return func(chunk []byte) {
		c.bus.Emit(events.Event{
			Type:      events.TypeSSHCommandOutput,
			SessionID: c.sessionID,
			Timestamp: time.Now(),
			Payload: events.CommandOutputPayload{
				SessionID: c.sessionID,
				CommandID: commandID,
				Stream:    stream,
				Data:      string(chunk),
			},
		})
	}
}

// classifyExit maps ssh.Session.Wait errors to the exit-code string.
// A process killed by signal (including our own timeout escalation when
// it lands after the timer) reports ExitSignal.
func classifyExit(err error) string {
	if err == nil {
		return "0"
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return ExitSignal
		}
		return strconv.Itoa(exitErr.ExitStatus())
	}
	return ExitSignal
}
