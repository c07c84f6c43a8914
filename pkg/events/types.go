// Package events provides the typed in-process event bus that every
// component publishes through, plus the room/channel naming shared with
// the WebSocket gateway.
//
// Rooms:
//
//	global          - process-wide events (system.*, backpressure)
//	session:<id>    - everything scoped to one session
//	asset:<id>      - timeline and finding events for one asset
//
// Delivery contract: within one room, a subscriber observes events in
// publish order. Publishing never blocks the caller beyond a soft
// deadline; a slow subscriber loses its oldest queued events instead
// (see Bus.Publish).
package events

import "time"

// Type identifies one event kind. The set is closed; the gateway's
// dispatch table and the browser protocol both key off these strings.
type Type string

// Session lifecycle.
const (
	TypeSessionCreated      Type = "session.created"
	TypeSessionStateChanged Type = "session.state_changed"
	TypeSessionModeChanged  Type = "session.mode_changed"
	TypeSessionLocked       Type = "session.locked"
	TypeSessionUnlocked     Type = "session.unlocked"
	TypeSessionTerminated   Type = "session.terminated"
)

// SSH connector lifecycle and command execution.
const (
	TypeSSHConnecting       Type = "ssh.connecting"
	TypeSSHConnected        Type = "ssh.connected"
	TypeSSHDisconnected     Type = "ssh.disconnected"
	TypeSSHError            Type = "ssh.error"
	TypeSSHCommandStarted   Type = "ssh.command_started"
	TypeSSHCommandOutput    Type = "ssh.command_output"
	TypeSSHCommandCompleted Type = "ssh.command_completed"
)

// Interactive terminal.
const (
	TypeTerminalStarted Type = "terminal.started"
	TypeTerminalData    Type = "terminal.data"
	TypeTerminalResize  Type = "terminal.resize"
	TypeTerminalClosed  Type = "terminal.closed"
)

// Hunt execution.
const (
	TypeHuntStarted       Type = "hunt.started"
	TypeHuntStepStarted   Type = "hunt.step_started"
	TypeHuntObservation   Type = "hunt.observation"
	TypeHuntStepCompleted Type = "hunt.step_completed"
	TypeHuntCompleted     Type = "hunt.completed"
	TypeHuntFailed        Type = "hunt.failed"
	TypeHuntCancelled     Type = "hunt.cancelled"
)

// AI pipeline.
const (
	TypeAIReasoningStarted   Type = "ai.reasoning_started"
	TypeAIReasoningChunk     Type = "ai.reasoning_chunk"
	TypeAIReasoningCompleted Type = "ai.reasoning_completed"
	TypeAIFindingGenerated   Type = "ai.finding_generated"
	TypeAIError              Type = "ai.error"
)

// Intelligence and system.
const (
	TypeTimelineRecorded   Type = "timeline.event_recorded"
	TypeSystemError        Type = "system.error"
	TypeSystemBackpressure Type = "system.backpressure"
)

// GlobalRoom receives process-wide events.
const GlobalRoom = "global"

// SessionRoom returns the room name for a session. Format: "session:{id}".
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// AssetRoom returns the room name for an asset. Format: "asset:{id}".
func AssetRoom(assetID string) string {
	return "asset:" + assetID
}

// Event is the envelope carried on the bus. Payload is one of the typed
// structs in payloads.go, chosen by Type.
type Event struct {
	Type      Type      `json:"event_type"`
	SessionID string    `json:"session_id,omitempty"`
	AssetID   string    `json:"asset_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// New builds an event stamped with the current wall clock.
func New(t Type, payload any) Event {
	return Event{Type: t, Timestamp: time.Now(), Payload: payload}
}

// NewSession builds a session-scoped event.
func NewSession(t Type, sessionID string, payload any) Event {
	return Event{Type: t, SessionID: sessionID, Timestamp: time.Now(), Payload: payload}
}

// ClientMessage is the JSON structure for client → server WebSocket frames.
type ClientMessage struct {
	Action    string `json:"action"` // join_session, leave_session, terminal_input, terminal_resize, toggle_mode, ping
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"` // base64 terminal input
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Mode      string `json:"mode,omitempty"` // ai or interactive
}
