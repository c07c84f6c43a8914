package events

// Typed payloads for every event kind. The WebSocket layer marshals the
// whole Event envelope; browsers receive {event_type, session_id, asset_id,
// timestamp, payload:{...}}.

// SessionStatePayload is carried by session.created, session.state_changed,
// session.mode_changed and session.terminated.
type SessionStatePayload struct {
	SessionID string `json:"session_id"`
	AssetID   string `json:"asset_id"`
	AnalystID string `json:"analyst_id,omitempty"`
	State     string `json:"state"`
	PrevState string `json:"prev_state,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionLockPayload is carried by session.locked and session.unlocked.
type SessionLockPayload struct {
	SessionID string `json:"session_id"`
	LockedBy  string `json:"locked_by"`
}

// SSHLifecyclePayload is carried by ssh.connecting/connected/disconnected/error.
type SSHLifecyclePayload struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host,omitempty"`
	OS        string `json:"os,omitempty"` // detected OS, on ssh.connected
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"` // reconnect attempt number
}

// CommandStartedPayload is carried by ssh.command_started.
type CommandStartedPayload struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
}

// CommandOutputPayload is carried by ssh.command_output. Data is at most
// 16 KiB per emission; Stream is "stdout" or "stderr".
type CommandOutputPayload struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
}

// CommandCompletedPayload is carried by ssh.command_completed.
type CommandCompletedPayload struct {
	SessionID  string `json:"session_id"`
	CommandID  string `json:"command_id"`
	ExitCode   string `json:"exit_code"` // numeric, "timeout", "signal", or "skipped:no_sudo"
	DurationMS int64  `json:"duration_ms"`
}

// TerminalDataPayload is carried by terminal.data. Data is base64.
type TerminalDataPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// TerminalResizePayload is carried by terminal.resize.
type TerminalResizePayload struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// HuntStartedPayload is carried by hunt.started.
type HuntStartedPayload struct {
	HuntID    string `json:"hunt_id"`
	SessionID string `json:"session_id"`
	AssetID   string `json:"asset_id"`
	ModuleID  string `json:"module_id"`
	RunAI     bool   `json:"run_ai"`
	Steps     int    `json:"steps"`
}

// StepPayload is carried by hunt.step_started and hunt.step_completed.
type StepPayload struct {
	HuntID      string `json:"hunt_id"`
	StepID      string `json:"step_id"`
	Index       int    `json:"index"`
	Description string `json:"description,omitempty"`
	ExitCode    string `json:"exit_code,omitempty"` // step_completed only
}

// ObservationPayload is carried by hunt.observation; it is the wire form
// of one captured step result. Stdout and stderr are already truncated to
// the 256 KiB cap when this is published.
type ObservationPayload struct {
	HuntID          string `json:"hunt_id"`
	StepID          string `json:"step_id"`
	Command         string `json:"command"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        string `json:"exit_code"`
	WallMS          int64  `json:"wall_ms"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
}

// HuntFinishedPayload is carried by hunt.completed, hunt.failed and
// hunt.cancelled.
type HuntFinishedPayload struct {
	HuntID        string `json:"hunt_id"`
	SessionID     string `json:"session_id"`
	ModuleID      string `json:"module_id"`
	Status        string `json:"status"`
	FindingsCount int    `json:"findings_count"`
	Error         string `json:"error,omitempty"`
}

// AIReasoningStartedPayload is carried by ai.reasoning_started.
// ContextSummary holds the first 256 chars of the serialized context.
type AIReasoningStartedPayload struct {
	HuntID         string `json:"hunt_id"`
	SessionID      string `json:"session_id"`
	Provider       string `json:"provider"`
	ContextSummary string `json:"context_summary"`
}

// AIReasoningChunkPayload is carried by ai.reasoning_chunk.
// State is one of "analyzing", "concluding", "generating".
type AIReasoningChunkPayload struct {
	HuntID string `json:"hunt_id"`
	Chunk  string `json:"chunk"`
	State  string `json:"state"`
}

// AIReasoningCompletedPayload is carried by ai.reasoning_completed.
type AIReasoningCompletedPayload struct {
	HuntID  string `json:"hunt_id"`
	Summary string `json:"summary"`
}

// FindingGeneratedPayload is carried by ai.finding_generated, once per
// newly created or updated finding.
type FindingGeneratedPayload struct {
	FindingID     string  `json:"finding_id"`
	AssetID       string  `json:"asset_id"`
	HuntID        string  `json:"hunt_id,omitempty"`
	Kind          string  `json:"kind"`
	Title         string  `json:"title"`
	Severity      string  `json:"severity"`
	Confidence    float64 `json:"confidence"`
	New           bool    `json:"new"`
	SightingCount int     `json:"sighting_count"`
}

// AIErrorPayload is carried by ai.error.
type AIErrorPayload struct {
	HuntID    string `json:"hunt_id"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TimelineRecordedPayload is carried by timeline.event_recorded.
type TimelineRecordedPayload struct {
	EntryID   string `json:"entry_id"`
	AssetID   string `json:"asset_id"`
	EventType string `json:"event_type"`
	AnalystID string `json:"analyst_id,omitempty"`
}

// SystemErrorPayload is carried by system.error. Severity "fatal" marks a
// recovered panic inside a session owner.
type SystemErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Severity  string `json:"severity"` // "error" or "fatal"
	Source    string `json:"source,omitempty"`
	Message   string `json:"message"`
}

// BackpressurePayload is carried by system.backpressure on the global
// room, naming the lagging subscriber.
type BackpressurePayload struct {
	Room       string `json:"room"`
	Subscriber string `json:"subscriber"`
	Dropped    uint64 `json:"dropped"` // cumulative drops for that subscriber
}
