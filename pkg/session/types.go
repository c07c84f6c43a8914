// Package session owns the per-session state machine. Every session has
// exactly one owner goroutine; all external requests are posted to its
// inbox and processed in FIFO order, which is what makes session state
// and the SSH channel race-free.
package session

import (
	"context"
	"time"

	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/sshconn"
)

// Conn is the slice of sshconn.Client the runtime drives. Tests supply
// fakes; production wraps a real client via NewSSHDialer.
type Conn interface {
	Exec(ctx context.Context, req sshconn.ExecRequest) (*sshconn.ExecResult, error)
	OpenPTY(cols, rows int) (Terminal, error)
	OS() models.OSTag
	SetOnDead(fn func(err error))
	Alive() bool
	Close(reason string)
}

// Terminal is the interactive PTY handle the runtime writes keystrokes to.
type Terminal interface {
	Write(data []byte) error
	Resize(cols, rows int) error
	SetOnClosed(fn func())
	Close()
}

// Dialer establishes the SSH transport for a session. The runtime calls
// it once on open and again on each reconnect attempt.
type Dialer func(ctx context.Context, sessionID string, target sshconn.Target, creds sshconn.Credentials) (Conn, error)

// CredentialSource resolves an asset's dial target and unsealed secret
// material. Implemented over the asset/credential stores plus the sealer.
type CredentialSource interface {
	Resolve(ctx context.Context, assetID string) (sshconn.Target, sshconn.Credentials, error)
}

// Store is the persistence boundary for session and hunt records. All
// calls come from owner goroutines; a nil Store keeps everything
// in-memory (tests, dev without a database).
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSessionState(ctx context.Context, id string, state models.SessionState, lockedBy string, terminatedAt *time.Time) error
	CreateHunt(ctx context.Context, h *models.Hunt) error
	UpdateHunt(ctx context.Context, h *models.Hunt) error
	SaveObservation(ctx context.Context, o *models.Observation) error
}

// NewSSHDialer adapts sshconn.Connect to the Dialer shape.
func NewSSHDialer(pins sshconn.PinStore, cfg config.SSHConfig, bus *events.Bus) Dialer {
	return func(ctx context.Context, sessionID string, target sshconn.Target, creds sshconn.Credentials) (Conn, error) {
		c, err := sshconn.Connect(ctx, sessionID, target, creds, pins, cfg, bus)
		if err != nil {
			return nil, err
		}
		return sshConn{c}, nil
	}
}

// sshConn narrows *sshconn.Client to the Conn interface; only OpenPTY
// needs a shim because it returns a concrete type.
type sshConn struct {
	*sshconn.Client
}

func (c sshConn) OpenPTY(cols, rows int) (Terminal, error) {
	p, err := c.Client.OpenPTY(cols, rows)
	if err != nil {
		return nil, err
	}
	return p, nil
}
