// Package models holds the shared domain types: assets, sessions, hunts,
// observations, findings, and the enums that tie them together.
package models

import "time"

// OSTag classifies an asset's operating system.
type OSTag string

const (
	OSLinux   OSTag = "linux"
	OSWindows OSTag = "windows"
	OSMacOS   OSTag = "macos"
	OSUnknown OSTag = "unknown"
)

// ValidOSTag reports whether s is a known OS tag.
func ValidOSTag(s string) bool {
	switch OSTag(s) {
	case OSLinux, OSWindows, OSMacOS, OSUnknown:
		return true
	}
	return false
}

// SudoPolicy describes how requires_sudo steps obtain elevation.
type SudoPolicy string

const (
	SudoNone          SudoPolicy = ""
	SudoNoPasswd      SudoPolicy = "nopasswd"
	SudoReusePassword SudoPolicy = "reuse-ssh-password"
	SudoCustom        SudoPolicy = "custom-password"
)

// Asset is a remote host reachable by SSH. Immutable except through the
// asset CRUD surface.
type Asset struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	IP           string    `json:"ip"`
	OS           OSTag     `json:"os"`
	SSHPort      int       `json:"ssh_port"`
	Username     string    `json:"username"`
	CredentialID string    `json:"credential_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Credential is a sealed secret record for an asset. Secret material is
// stored AES-GCM sealed; the plaintext never leaves pkg/auth.
type Credential struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"` // "password" or "private_key"
	SealedSecret []byte     `json:"-"`
	SudoPolicy   SudoPolicy `json:"sudo_policy,omitempty"`
	SealedSudo   []byte     `json:"-"` // custom sudo password, when policy is custom-password
	CreatedAt    time.Time  `json:"created_at"`
}

// SessionMode selects what the session's SSH channel is doing.
type SessionMode string

const (
	ModeAI          SessionMode = "ai"
	ModeInteractive SessionMode = "interactive"
)

// SessionState is a node in the session state machine.
type SessionState string

const (
	StateInitializing SessionState = "INITIALIZING"
	StateConnecting   SessionState = "CONNECTING"
	StateConnected    SessionState = "CONNECTED"
	StateRunning      SessionState = "RUNNING"
	StatePaused       SessionState = "PAUSED"
	StateLocked       SessionState = "LOCKED"
	StateDisconnected SessionState = "DISCONNECTED"
	StateFailed       SessionState = "FAILED"
	StateTerminated   SessionState = "TERMINATED"
)

// Terminal reports whether the state admits no further transitions except
// close. DISCONNECTED is special: it is terminal for writers but the
// runtime may still auto-reconnect out of it.
func (s SessionState) Terminal() bool {
	switch s {
	case StateFailed, StateTerminated:
		return true
	}
	return false
}

// Session is a live handle on an asset for one analyst.
type Session struct {
	ID           string       `json:"id"`
	AssetID      string       `json:"asset_id"`
	AnalystID    string       `json:"analyst_id"`
	Mode         SessionMode  `json:"mode"`
	State        SessionState `json:"state"`
	LockedBy     string       `json:"locked_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	TerminatedAt *time.Time   `json:"terminated_at,omitempty"`
}

// HuntStatus is the lifecycle of one hunt run.
type HuntStatus string

const (
	HuntPending   HuntStatus = "PENDING"
	HuntRunning   HuntStatus = "RUNNING"
	HuntCompleted HuntStatus = "COMPLETED"
	HuntFailed    HuntStatus = "FAILED"
	HuntCancelled HuntStatus = "CANCELLED"
)

// Hunt is one scheduled execution of a module against a session.
type Hunt struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	AssetID       string     `json:"asset_id"`
	ModuleID      string     `json:"module_id"`
	RunAI         bool       `json:"run_ai"`
	Status        HuntStatus `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	FindingsCount int        `json:"findings_count"`
	AIReportText  string     `json:"ai_report_text,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Observation is the captured result of running one step. Stdout and
// stderr are already truncated to the 256 KiB cap when an Observation is
// constructed; the flags record whether anything was lost.
type Observation struct {
	HuntID          string `json:"hunt_id"`
	StepID          string `json:"step_id"`
	Command         string `json:"command"` // command as sent, before sudo wrapping
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        string `json:"exit_code"` // numeric, "timeout", "signal", "skipped:no_sudo"
	WallMS          int64  `json:"wall_ms"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
}

// Failed reports whether the step did not exit cleanly.
func (o Observation) Failed() bool {
	return o.ExitCode != "0" && o.ExitCode != "skipped:no_sudo"
}

// Severity orders finding impact. Ordered for monotone escalation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher of a and b; unknown values rank lowest.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s string) bool {
	_, ok := severityRank[Severity(s)]
	return ok
}

// FindingKind separates full AI reports from individual detections.
type FindingKind string

const (
	KindAIReport  FindingKind = "ai_report"
	KindDetection FindingKind = "detection"
)

// FindingStatus is the analyst triage state.
type FindingStatus string

const (
	FindingOpen         FindingStatus = "open"
	FindingAcknowledged FindingStatus = "acknowledged"
	FindingResolved     FindingStatus = "resolved"
)

// Remediation holds recommended actions grouped by urgency.
type Remediation struct {
	Immediate []string `json:"immediate,omitempty"`
	ShortTerm []string `json:"short_term,omitempty"`
	LongTerm  []string `json:"long_term,omitempty"`
}

// Empty reports whether no actions are present.
func (r Remediation) Empty() bool {
	return len(r.Immediate) == 0 && len(r.ShortTerm) == 0 && len(r.LongTerm) == 0
}

// Finding is a persisted intelligence record, deduplicated per asset by
// fingerprint (see intel.Fingerprint).
type Finding struct {
	ID               string        `json:"id"`
	AssetID          string        `json:"asset_id"`
	SessionID        string        `json:"session_id,omitempty"`
	HuntID           string        `json:"hunt_id,omitempty"`
	Kind             FindingKind   `json:"kind"`
	Title            string        `json:"title"`
	Description      string        `json:"description,omitempty"`
	Severity         Severity      `json:"severity"`
	Confidence       float64       `json:"confidence"`
	Status           FindingStatus `json:"status"`
	Fingerprint      string        `json:"fingerprint"`
	PrimaryTechnique string        `json:"primary_technique,omitempty"` // e.g. MITRE ATT&CK id
	Tags             []string      `json:"tags,omitempty"`
	SightingCount    int           `json:"sighting_count"`
	FirstSeen        time.Time     `json:"first_seen"`
	LastSeen         time.Time     `json:"last_seen"`
	STIXBundle       []byte        `json:"-"`
	Remediation      *Remediation  `json:"remediation,omitempty"`
}

// TimelineEntry is one record in an asset's append-only timeline.
type TimelineEntry struct {
	ID         string    `json:"id"`
	AssetID    string    `json:"asset_id"`
	EventType  string    `json:"event_type"`
	Payload    []byte    `json:"payload,omitempty"` // opaque JSON
	OccurredAt time.Time `json:"occurred_at"`
	AnalystID  string    `json:"analyst_id,omitempty"`
}

// AIReport is a persisted executive report for one hunt.
type AIReport struct {
	ID        string    `json:"id"`
	AssetID   string    `json:"asset_id"`
	SessionID string    `json:"session_id"`
	HuntID    string    `json:"hunt_id"`
	Provider  string    `json:"provider"`
	Text      string    `json:"text"`
	Summary   string    `json:"summary,omitempty"`
	Partial   bool      `json:"partial"` // stream died mid-way; text is what arrived
	CreatedAt time.Time `json:"created_at"`
}

// User is an analyst account for the auth surface.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
