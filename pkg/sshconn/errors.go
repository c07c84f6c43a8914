package sshconn

import "errors"

// Typed connector errors. The session runtime converts these to state
// transitions and user-visible ssh.error events.
var (
	// ErrAuthFailed indicates the remote rejected the credential.
	ErrAuthFailed = errors.New("ssh authentication failed")

	// ErrUnreachable indicates the host could not be reached.
	ErrUnreachable = errors.New("ssh host unreachable")

	// ErrHostKeyMismatch indicates the presented host key does not match
	// the pinned fingerprint for the asset.
	ErrHostKeyMismatch = errors.New("ssh host key mismatch")

	// ErrTimeout indicates the dial exceeded its deadline.
	ErrTimeout = errors.New("ssh dial timeout")

	// ErrChannelClosed indicates the channel died mid-operation.
	ErrChannelClosed = errors.New("ssh channel closed")

	// ErrExecTimeout indicates a command exceeded its step timeout.
	ErrExecTimeout = errors.New("ssh exec timeout")

	// ErrClientClosed indicates the client was closed while an operation
	// was pending.
	ErrClientClosed = errors.New("ssh client closed")
)
