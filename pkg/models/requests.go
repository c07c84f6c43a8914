package models

import "time"

// CreateAssetRequest contains fields for registering a new asset.
type CreateAssetRequest struct {
	Hostname   string `json:"hostname"`
	IP         string `json:"ip"`
	OS         string `json:"os"`
	SSHPort    int    `json:"ssh_port"`
	Username   string `json:"username"`
	Secret     string `json:"secret"`      // password or private key PEM
	SecretKind string `json:"secret_kind"` // "password" or "private_key"
	SudoPolicy string `json:"sudo_policy,omitempty"`
	SudoSecret string `json:"sudo_secret,omitempty"`
}

// PatchAssetRequest carries partial asset updates; nil fields are left as-is.
type PatchAssetRequest struct {
	Hostname *string `json:"hostname,omitempty"`
	IP       *string `json:"ip,omitempty"`
	OS       *string `json:"os,omitempty"`
	SSHPort  *int    `json:"ssh_port,omitempty"`
	Username *string `json:"username,omitempty"`
}

// CreateSessionRequest opens a session on an asset.
type CreateSessionRequest struct {
	AssetID string `json:"asset_id"`
	Mode    string `json:"mode"` // "ai" or "interactive"
}

// StartHuntRequest schedules a module run against a session.
type StartHuntRequest struct {
	SessionID string `json:"session_id"`
	ModuleID  string `json:"module_id"`
	RunAI     bool   `json:"run_ai"`
}

// FindingFilters narrows ListFindings.
type FindingFilters struct {
	AssetID   string
	SessionID string
	Status    string
	Limit     int
	Offset    int
}

// UpdateFindingStatusRequest changes a finding's triage state.
type UpdateFindingStatusRequest struct {
	Status string `json:"status"`
}

// LoginRequest authenticates an analyst.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest rotates a refresh token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ChangePasswordRequest rotates an analyst password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// TokenPairResponse is the login/refresh response body.
type TokenPairResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionListResponse is the paginated session list body.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
}

// FindingListResponse is the paginated finding list body.
type FindingListResponse struct {
	Findings   []*Finding `json:"findings"`
	TotalCount int        `json:"total_count"`
}

// TimelineResponse is the asset timeline body.
type TimelineResponse struct {
	AssetID string           `json:"asset_id"`
	Entries []*TimelineEntry `json:"entries"`
}
