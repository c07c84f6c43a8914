// Package sshconn owns the SSH transport: one client per active session,
// exec channels for hunt steps, and the interactive PTY. All remote I/O
// for a session flows through here; the session runtime is the only
// caller and serializes state-affecting operations.
package sshconn

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/models"
)

// Target identifies the remote endpoint of a connection.
type Target struct {
	AssetID  string
	Host     string
	Port     int
	Username string
	OS       models.OSTag
}

// Credentials is the unsealed secret material for a connection. The
// plaintext lives only for the duration of the dial and any sudo steps.
type Credentials struct {
	Kind       string // "password" or "private_key"
	Secret     []byte
	SudoPolicy models.SudoPolicy
	SudoSecret []byte // custom sudo password when policy is custom-password
}

// PinStore persists per-asset host key fingerprints for the
// trust-on-first-use policy.
type PinStore interface {
	GetPin(ctx context.Context, assetID string) (string, error) // "" when unpinned
	PutPin(ctx context.Context, assetID, fingerprint string) error
}

// MemoryPinStore is a PinStore for tests and single-run tools.
type MemoryPinStore struct {
	mu   sync.Mutex
	pins map[string]string
}

// NewMemoryPinStore creates an empty in-memory pin store.
func NewMemoryPinStore() *MemoryPinStore {
	return &MemoryPinStore{pins: make(map[string]string)}
}

func (s *MemoryPinStore) GetPin(_ context.Context, assetID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[assetID], nil
}

func (s *MemoryPinStore) PutPin(_ context.Context, assetID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[assetID] = fingerprint
	return nil
}

// Client wraps one ssh.Client bound to a session. It is owned by the
// session's owner goroutine; only Close is safe from other goroutines.
type Client struct {
	sessionID string
	target    Target
	cfg       config.SSHConfig
	bus       *events.Bus

	conn *ssh.Client

	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once

	// onDead is invoked once when the transport dies underneath us
	// (keepalive failure or connection-level error).
	onDead func(err error)
}

// Fingerprint returns the SHA-256 fingerprint of a public key in the
// OpenSSH "SHA256:..." form.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}

// hostKeyCallback builds the TOFU callback: the first key seen for an
// asset is pinned; later connections must present the same key.
func hostKeyCallback(ctx context.Context, policy string, pins PinStore, assetID string) ssh.HostKeyCallback {
	if policy == "insecure" {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := Fingerprint(key)
		pinned, err := pins.GetPin(ctx, assetID)
		if err != nil {
			return fmt.Errorf("host key pin lookup for %s: %w", assetID, err)
		}
		if pinned == "" {
			if err := pins.PutPin(ctx, assetID, fp); err != nil {
				return fmt.Errorf("host key pin store for %s: %w", assetID, err)
			}
			slog.Info("Pinned host key on first use",
				"asset_id", assetID, "host", hostname, "fingerprint", fp)
			return nil
		}
		if pinned != fp {
			slog.Warn("Host key mismatch",
				"asset_id", assetID, "host", hostname,
				"pinned", pinned, "presented", fp)
			return ErrHostKeyMismatch
		}
		return nil
	}
}

// authMethods converts credentials to ssh auth methods.
func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	switch creds.Kind {
	case "password":
		return []ssh.AuthMethod{ssh.Password(string(creds.Secret))}, nil
	case "private_key":
		signer, err := ssh.ParsePrivateKey(creds.Secret)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unknown credential kind %q", creds.Kind)
	}
}

// classifyDialError maps a dial failure to one of the typed errors.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHostKeyMismatch) || strings.Contains(err.Error(), ErrHostKeyMismatch.Error()) {
		return ErrHostKeyMismatch
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "permission denied") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Connect dials the target and returns a connected client. It publishes
// ssh.connecting and ssh.connected on the session room; errors are left
// to the caller, which owns the reconnect policy.
func Connect(ctx context.Context, sessionID string, target Target, creds Credentials, pins PinStore, cfg config.SSHConfig, bus *events.Bus) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)

	bus.Emit(events.Event{
		Type:      events.TypeSSHConnecting,
		SessionID: sessionID,
		AssetID:   target.AssetID,
		Timestamp: time.Now(),
		Payload:   events.SSHLifecyclePayload{SessionID: sessionID, Host: addr},
	})

	methods, err := authMethods(creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback(ctx, cfg.HostKeyPolicy, pins, target.AssetID),
		Timeout:         cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, classifyDialError(err)
	}

	c := &Client{
		sessionID: sessionID,
		target:    target,
		cfg:       cfg,
		bus:       bus,
		conn:      ssh.NewClient(sshConn, chans, reqs),
		closeCh:   make(chan struct{}),
	}

	detected := DetectOS(ctx, c)
	if target.OS == models.OSUnknown && detected != models.OSUnknown {
		c.target.OS = detected
	}

	bus.Emit(events.Event{
		Type:      events.TypeSSHConnected,
		SessionID: sessionID,
		AssetID:   target.AssetID,
		Timestamp: time.Now(),
		Payload: events.SSHLifecyclePayload{
			SessionID: sessionID,
			Host:      addr,
			OS:        string(c.target.OS),
		},
	})

	go c.keepaliveLoop()
	return c, nil
}

// OS returns the effective OS tag (asset tag, or the detected one when
// the asset said unknown).
func (c *Client) OS() models.OSTag { return c.target.OS }

// SetOnDead registers the transport-death callback. Must be called before
// the first operation; invoked at most once, from the keepalive goroutine.
func (c *Client) SetOnDead(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDead = fn
}

// keepaliveLoop sends OpenSSH keepalives; a failed keepalive marks the
// transport dead.
func (c *Client) keepaliveLoop() {
	interval := c.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			_, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				c.transportDied(fmt.Errorf("keepalive failed: %w", err))
				return
			}
		}
	}
}

func (c *Client) transportDied(err error) {
	c.mu.Lock()
	fn := c.onDead
	alreadyClosed := c.closed
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	slog.Warn("SSH transport died", "session_id", c.sessionID, "error", err)
	if fn != nil {
		fn(err)
	}
}

// Alive reports whether Close has been called.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close shuts the client down and publishes ssh.disconnected with the
// given reason. Idempotent.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
		_ = c.conn.Close()

		c.bus.Emit(events.Event{
			Type:      events.TypeSSHDisconnected,
			SessionID: c.sessionID,
			AssetID:   c.target.AssetID,
			Timestamp: time.Now(),
			Payload: events.SSHLifecyclePayload{
				SessionID: c.sessionID,
				Host:      fmt.Sprintf("%s:%d", c.target.Host, c.target.Port),
				Reason:    reason,
			},
		})
	})
}
