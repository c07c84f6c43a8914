// Package masking scrubs secret material from hunt output before it is
// handed to an AI provider. Two layers: built-in regex patterns for
// well-known secret shapes, and exact literals registered at credential
// resolution time (the SSH password or sudo secret for a session).
package masking

import (
	"regexp"
	"strings"
	"sync"

	"github.com/darkhound/darkhound/pkg/models"
)

// compiledPattern holds a pre-compiled regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns cover secret shapes that show up in command output on
// hunted hosts regardless of which credentials darkhound itself holds.
var builtinPatterns = []compiledPattern{
	{
		name:        "pem_private_key",
		regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		replacement: "***MASKED_PRIVATE_KEY***",
	},
	{
		name:        "aws_access_key",
		regex:       regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		replacement: "***MASKED_AWS_KEY***",
	},
	{
		name:        "bearer_token",
		regex:       regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9._~+/=-]{16,}`),
		replacement: "$1 ***MASKED_TOKEN***",
	},
	{
		name:        "secret_assignment",
		regex:       regexp.MustCompile(`(?i)(password|passwd|pwd|secret|api[_-]?key|access[_-]?token)(\s*[=:]\s*)[^\s'"]+`),
		replacement: "$1$2***MASKED***",
	},
}

// Masker applies the built-in patterns plus registered literals.
// Safe for concurrent use; credential resolution registers literals
// while hunt pipelines mask.
type Masker struct {
	mu       sync.RWMutex
	literals map[string]struct{}
}

// NewMasker returns a masker with only the built-in patterns active.
func NewMasker() *Masker {
	return &Masker{literals: make(map[string]struct{})}
}

// AddLiteral registers an exact secret string. Literals shorter than
// 6 bytes are ignored; masking them would shred unrelated output.
func (m *Masker) AddLiteral(secret string) {
	if len(secret) < 6 {
		return
	}
	m.mu.Lock()
	m.literals[secret] = struct{}{}
	m.mu.Unlock()
}

// Mask returns s with all registered literals and built-in pattern
// matches replaced.
func (m *Masker) Mask(s string) string {
	if s == "" {
		return s
	}

	m.mu.RLock()
	for lit := range m.literals {
		s = strings.ReplaceAll(s, lit, "***MASKED_CREDENTIAL***")
	}
	m.mu.RUnlock()

	for i := range builtinPatterns {
		p := &builtinPatterns[i]
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// MaskObservations returns a masked copy of the observations. The
// originals are left untouched: the analyst-facing record keeps raw
// output, only the AI context is scrubbed.
func (m *Masker) MaskObservations(obs []models.Observation) []models.Observation {
	out := make([]models.Observation, len(obs))
	for i, o := range obs {
		o.Stdout = m.Mask(o.Stdout)
		o.Stderr = m.Mask(o.Stderr)
		out[i] = o
	}
	return out
}
