package sshconn

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/models"
)

func TestWrapSudoNoPasswd(t *testing.T) {
	cmd, stdin := wrapSudo("ss -tlnpu", "", SudoSpec{Policy: models.SudoNoPasswd})
	assert.Equal(t, "sudo -n -- sh -c 'ss -tlnpu'", cmd)
	assert.Empty(t, stdin)
}

func TestWrapSudoWithPassword(t *testing.T) {
	cmd, stdin := wrapSudo("cat /etc/shadow", "", SudoSpec{
		Policy:   models.SudoReusePassword,
		Password: []byte("hunter2"),
	})
	assert.Equal(t, "sudo -S -p '' -- sh -c 'cat /etc/shadow'", cmd)
	assert.Equal(t, "hunter2\n", stdin)
}

func TestWrapSudoNonePassesThrough(t *testing.T) {
	cmd, stdin := wrapSudo("ls /", "input", SudoSpec{})
	assert.Equal(t, "ls /", cmd)
	assert.Equal(t, "input", stdin)
}

func TestWrapSudoQuotesEmbeddedQuotes(t *testing.T) {
	cmd, _ := wrapSudo(`grep 'root' /etc/passwd`, "", SudoSpec{Policy: models.SudoNoPasswd})
	assert.Equal(t, `sudo -n -- sh -c 'grep '\''root'\'' /etc/passwd'`, cmd)
}

func TestBoundedWriterCapsAndFlags(t *testing.T) {
	w := newBoundedWriter(nil)

	big := bytes.Repeat([]byte("a"), outputCap+500)
	n, err := w.Write(big)
	require.NoError(t, err)
	assert.Equal(t, len(big), n, "writer must consume everything to keep the stream draining")

	buf, truncated := w.snapshot()
	assert.Len(t, buf, outputCap)
	assert.True(t, truncated)

	// Further writes stay discarded but still count as consumed.
	n, err = w.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	buf, _ = w.snapshot()
	assert.Len(t, buf, outputCap)
}

func TestBoundedWriterEmitsChunks(t *testing.T) {
	var chunks [][]byte
	w := newBoundedWriter(func(c []byte) {
		cp := make([]byte, len(c))
		copy(cp, c)
		chunks = append(chunks, cp)
	})

	payload := bytes.Repeat([]byte("x"), chunkSize*2+100)
	_, err := w.Write(payload)
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], chunkSize)
	assert.Len(t, chunks[1], chunkSize)
	assert.Len(t, chunks[2], 100)
}

func TestSudoPromptStripped(t *testing.T) {
	stderr := []byte("[sudo] password for analyst: \nreal error text\n")
	out := sudoPromptRe.ReplaceAll(stderr, nil)
	assert.Equal(t, "\nreal error text\n", string(out))
}

func TestClassifyUname(t *testing.T) {
	assert.Equal(t, models.OSLinux, classifyUname("Linux\n"))
	assert.Equal(t, models.OSMacOS, classifyUname("Darwin\n"))
	assert.Equal(t, models.OSWindows, classifyUname("MINGW64_NT-10.0\n"))
	assert.Equal(t, models.OSUnknown, classifyUname("SunOS\n"))
}

func TestClassifyDialError(t *testing.T) {
	err := classifyDialError(assert.AnError)
	assert.ErrorIs(t, err, ErrUnreachable)

	authErr := classifyDialError(errLike("ssh: unable to authenticate, attempted methods [password]"))
	assert.ErrorIs(t, authErr, ErrAuthFailed)
}

type errLike string

func (e errLike) Error() string { return string(e) }

func TestClassifyExitNil(t *testing.T) {
	assert.Equal(t, "0", classifyExit(nil))
	assert.Equal(t, ExitSignal, classifyExit(errLike("wait: remote command exited without exit status")))
}

func TestShellQuote(t *testing.T) {
	q := shellQuote("echo 'hi'")
	assert.True(t, strings.HasPrefix(q, "'"))
	assert.True(t, strings.HasSuffix(q, "'"))
}

// startStubbornServer runs an in-process SSH server that accepts exec
// requests but never finishes the command and ignores every signal. The
// session only ends when the client tears the channel down.
func startStubbornServer(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		srv, chans, reqs, err := ssh.NewServerConn(nc, cfg)
		if err != nil {
			return
		}
		defer srv.Close()
		go ssh.DiscardRequests(reqs)

		for newCh := range chans {
			if newCh.ChannelType() != "session" {
				_ = newCh.Reject(ssh.UnknownChannelType, "session only")
				continue
			}
			ch, chReqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go func() {
				for req := range chReqs {
					if req.WantReply {
						_ = req.Reply(req.Type == "exec", nil)
					}
				}
				_ = ch.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func TestExecTimeoutDurationStopsAtDeadline(t *testing.T) {
	oldDelay := sigkillDelay
	sigkillDelay = 200 * time.Millisecond
	defer func() { sigkillDelay = oldDelay }()

	addr := startStubbornServer(t)
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "analyst",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)

	bus := events.NewBus()
	defer bus.Close()
	c := &Client{
		sessionID: "sess-1",
		bus:       bus,
		conn:      conn,
		closeCh:   make(chan struct{}),
	}
	defer c.Close("test done")

	start := time.Now()
	res, err := c.Exec(context.Background(), ExecRequest{
		CommandID: "cmd-1",
		Command:   "sleep 600",
		Timeout:   100 * time.Millisecond,
		Quiet:     true,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, ExitTimeout, res.ExitCode)

	// The reported duration is the command's wall time up to the
	// deadline. The kill escalation against a process that ignores
	// SIGTERM happens after that and must not inflate it.
	assert.GreaterOrEqual(t, res.Duration, 100*time.Millisecond)
	assert.Less(t, res.Duration, 500*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, res.Duration+sigkillDelay,
		"escalation ran after the duration was captured")
}
