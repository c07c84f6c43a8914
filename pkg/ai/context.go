package ai

import (
	"fmt"
	"strings"

	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/models"
)

const (
	// DefaultStepBudget bounds one step's combined stdout+stderr in the
	// serialized context.
	DefaultStepBudget = 8 * 1024
	// DefaultContextBudget bounds the whole serialized context.
	DefaultContextBudget = 64 * 1024

	summaryLen = 256
)

// contextStep is one observation prepared for serialization.
type contextStep struct {
	ID          string
	Description string
	Command     string
	ExitCode    string
	WallMS      int64
	Stdout      string
	Stderr      string
	Truncated   bool
}

// Context is the deterministic serialization of a completed hunt that
// drivers prompt with. The same module and observations always produce
// the same text.
type Context struct {
	ModuleID   string
	ModuleName string
	AssetID    string
	HuntID     string

	steps []contextStep
	text  string
}

// BuildContext clips each step to stepBudget bytes of output, then
// trims the largest steps (latest first on ties) until the serialized
// form fits contextBudget.
func BuildContext(h *models.Hunt, mod *hunt.Module, obs []models.Observation, stepBudget, contextBudget int) *Context {
	if stepBudget <= 0 {
		stepBudget = DefaultStepBudget
	}
	if contextBudget <= 0 {
		contextBudget = DefaultContextBudget
	}

	c := &Context{
		ModuleID:   mod.ID,
		ModuleName: mod.Name,
		AssetID:    h.AssetID,
		HuntID:     h.ID,
	}

	byID := make(map[string]hunt.Step, len(mod.Steps))
	for _, s := range mod.Steps {
		byID[s.ID] = s
	}

	for _, o := range obs {
		cs := contextStep{
			ID:          o.StepID,
			Description: byID[o.StepID].Description,
			Command:     o.Command,
			ExitCode:    o.ExitCode,
			WallMS:      o.WallMS,
			Stdout:      o.Stdout,
			Stderr:      o.Stderr,
			Truncated:   o.StdoutTruncated || o.StderrTruncated,
		}
		clipStep(&cs, stepBudget)
		c.steps = append(c.steps, cs)
	}

	c.text = c.serialize(mod)
	for len(c.text) > contextBudget {
		if !c.trimLargest() {
			// Nothing left to trim; hard-cut the serialized form.
			c.text = c.text[:contextBudget]
			break
		}
		c.text = c.serialize(mod)
	}
	return c
}

// Text returns the serialized context.
func (c *Context) Text() string { return c.text }

// Summary returns the first 256 chars, for ai.reasoning_started.
func (c *Context) Summary() string {
	if len(c.text) <= summaryLen {
		return c.text
	}
	return c.text[:summaryLen]
}

// clipStep bounds a step's combined output, stdout taking precedence.
func clipStep(cs *contextStep, budget int) {
	if len(cs.Stdout) > budget {
		cs.Stdout = cs.Stdout[:budget]
		cs.Stderr = ""
		cs.Truncated = true
		return
	}
	rest := budget - len(cs.Stdout)
	if len(cs.Stderr) > rest {
		cs.Stderr = cs.Stderr[:rest]
		cs.Truncated = true
	}
}

// trimLargest halves the output of the step with the most output,
// preferring the later step on ties. Steps shrunk below 256 bytes are
// emptied. Returns false when nothing is left to trim.
func (c *Context) trimLargest() bool {
	best := -1
	bestSize := 0
	for i := range c.steps {
		size := len(c.steps[i].Stdout) + len(c.steps[i].Stderr)
		if size > 0 && size >= bestSize {
			best, bestSize = i, size
		}
	}
	if best < 0 {
		return false
	}
	s := &c.steps[best]
	if bestSize <= 256 {
		s.Stdout, s.Stderr = "", ""
	} else {
		half := bestSize / 2
		if len(s.Stdout) >= half {
			s.Stdout = s.Stdout[:half]
			s.Stderr = ""
		} else {
			s.Stderr = s.Stderr[:half-len(s.Stdout)]
		}
	}
	s.Truncated = true
	return true
}

func (c *Context) serialize(mod *hunt.Module) string {
	var b strings.Builder
	b.WriteString("# Hunt Context\n")
	fmt.Fprintf(&b, "module: %s\n", mod.ID)
	fmt.Fprintf(&b, "name: %s\n", mod.Name)
	if mod.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", mod.Description)
	}
	if len(mod.Tags) > 0 {
		fmt.Fprintf(&b, "tags: %s\n", strings.Join(mod.Tags, ", "))
	}
	if mod.SeverityHint != "" {
		fmt.Fprintf(&b, "severity_hint: %s\n", mod.SeverityHint)
	}

	for i, s := range c.steps {
		fmt.Fprintf(&b, "\n## step %s (%d)\n", s.ID, i)
		if s.Description != "" {
			fmt.Fprintf(&b, "description: %s\n", s.Description)
		}
		fmt.Fprintf(&b, "command: %s\n", s.Command)
		fmt.Fprintf(&b, "exit: %s\n", s.ExitCode)
		fmt.Fprintf(&b, "duration_ms: %d\n", s.WallMS)
		fmt.Fprintf(&b, "stdout (truncated=%t):\n%s\n", s.Truncated, s.Stdout)
		if s.Stderr != "" {
			fmt.Fprintf(&b, "stderr:\n%s\n", s.Stderr)
		}
	}
	return b.String()
}
