// Package hunt loads hunt modules and runs them against a session's SSH
// client: sequential steps, bounded observations, cooperative
// cancellation, and the hand-off to the AI pipeline.
package hunt

import (
	"fmt"
	"regexp"
	"time"

	"github.com/darkhound/darkhound/pkg/models"
)

// stepIDRe constrains step and module ids to lowercase slugs.
var stepIDRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Step is one command in a module.
type Step struct {
	ID           string        `json:"id"`
	Description  string        `json:"description"`
	Command      string        `json:"command"`
	Timeout      time.Duration `json:"timeout"`
	RequiresSudo bool          `json:"requires_sudo"`
}

// Module is a static hunt specification: ordered steps plus metadata.
type Module struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	OSTypes      []models.OSTag  `json:"os_types"`
	Tags         []string        `json:"tags,omitempty"`
	SeverityHint models.Severity `json:"severity_hint"`
	Steps        []Step          `json:"steps"`

	// SourcePath and LoadedAt track the backing markdown file for the
	// loader's mtime-based reload.
	SourcePath string    `json:"-"`
	LoadedAt   time.Time `json:"-"`
}

// SupportsOS reports whether the module targets the given OS.
func (m *Module) SupportsOS(os models.OSTag) bool {
	for _, t := range m.OSTypes {
		if t == os {
			return true
		}
	}
	return false
}

// Validate checks structural invariants: slug ids, at least one step,
// known OS tags, sane timeouts.
func (m *Module) Validate() error {
	if !stepIDRe.MatchString(m.ID) {
		return fmt.Errorf("module id %q is not a valid slug", m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("module %s: name is required", m.ID)
	}
	if len(m.OSTypes) == 0 {
		return fmt.Errorf("module %s: at least one os_type is required", m.ID)
	}
	for _, os := range m.OSTypes {
		if !models.ValidOSTag(string(os)) {
			return fmt.Errorf("module %s: unknown os_type %q", m.ID, os)
		}
	}
	if m.SeverityHint != "" && !models.ValidSeverity(string(m.SeverityHint)) {
		return fmt.Errorf("module %s: unknown severity_hint %q", m.ID, m.SeverityHint)
	}
	if len(m.Steps) == 0 {
		return fmt.Errorf("module %s: at least one step is required", m.ID)
	}
	seen := make(map[string]bool, len(m.Steps))
	for i, s := range m.Steps {
		if !stepIDRe.MatchString(s.ID) {
			return fmt.Errorf("module %s: step %d id %q is not a valid slug", m.ID, i, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("module %s: duplicate step id %q", m.ID, s.ID)
		}
		seen[s.ID] = true
		if s.Command == "" {
			return fmt.Errorf("module %s: step %s has no command", m.ID, s.ID)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("module %s: step %s has negative timeout", m.ID, s.ID)
		}
	}
	return nil
}
