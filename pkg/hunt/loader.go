package hunt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

// Module spec files are markdown: YAML front-matter between --- fences,
// then one `### step_id` section per step with `**field**: value` lines.
// Section order is execution order.

var (
	stepHeaderRe = regexp.MustCompile(`^###\s+([a-z][a-z0-9_]{0,63})\s*$`)
	stepFieldRe  = regexp.MustCompile(`^\*\*(description|command|timeout|requires_sudo)\*\*\s*:\s*(.*)$`)
)

// frontMatter is the YAML header of a module file.
type frontMatter struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	OSTypes      []string `yaml:"os_types"`
	Tags         []string `yaml:"tags"`
	SeverityHint string   `yaml:"severity_hint"`
}

// Registry holds the loaded modules and reloads files that changed on
// disk. Module CRUD writes the markdown form back to the directory.
type Registry struct {
	dir            string
	defaultTimeout time.Duration

	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry creates a registry over a module directory.
func NewRegistry(dir string, defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Registry{
		dir:            dir,
		defaultTimeout: defaultTimeout,
		modules:        make(map[string]*Module),
	}
}

// Load scans the directory and parses every *.md file. Files that fail
// to parse are logged and skipped; a missing directory is not an error
// (the registry starts empty).
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Module directory does not exist, starting empty", "dir", r.dir)
			return nil
		}
		return fmt.Errorf("read module dir %s: %w", r.dir, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		mod, err := r.loadFile(path)
		if err != nil {
			slog.Warn("Skipping unparseable module file", "path", path, "error", err)
			continue
		}
		r.mu.Lock()
		r.modules[mod.ID] = mod
		r.mu.Unlock()
		loaded++
	}
	slog.Info("Hunt modules loaded", "dir", r.dir, "count", loaded)
	return nil
}

func (r *Registry) loadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mod, err := ParseModule(data, r.defaultTimeout)
	if err != nil {
		return nil, err
	}
	mod.SourcePath = path
	if fi, err := os.Stat(path); err == nil {
		mod.LoadedAt = fi.ModTime()
	}
	return mod, nil
}

// Get returns a module by id, transparently reloading it when the
// backing file's mtime moved forward since the last load.
func (r *Registry) Get(id string) (*Module, error) {
	r.mu.RLock()
	mod := r.modules[id]
	r.mu.RUnlock()
	if mod == nil {
		return nil, services.ErrNotFound
	}

	if mod.SourcePath != "" {
		if fi, err := os.Stat(mod.SourcePath); err == nil && fi.ModTime().After(mod.LoadedAt) {
			fresh, err := r.loadFile(mod.SourcePath)
			if err != nil {
				slog.Warn("Module reload failed, keeping previous version",
					"module_id", id, "error", err)
				return mod, nil
			}
			r.mu.Lock()
			r.modules[fresh.ID] = fresh
			r.mu.Unlock()
			slog.Info("Module reloaded", "module_id", id)
			return fresh, nil
		}
	}
	return mod, nil
}

// List returns all modules sorted by id.
func (r *Registry) List() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sortModules(out)
	return out
}

// Put validates a module, writes its markdown form to the directory, and
// registers it. Used by module CRUD create/update.
func (r *Registry) Put(mod *Module) error {
	if err := mod.Validate(); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidInput, err)
	}
	path := filepath.Join(r.dir, mod.ID+".md")
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create module dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(SerializeModule(mod)), 0o644); err != nil {
		return fmt.Errorf("write module %s: %w", mod.ID, err)
	}
	mod.SourcePath = path
	mod.LoadedAt = time.Now()

	r.mu.Lock()
	r.modules[mod.ID] = mod
	r.mu.Unlock()
	return nil
}

// Delete removes a module and its backing file.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	mod := r.modules[id]
	delete(r.modules, id)
	r.mu.Unlock()
	if mod == nil {
		return services.ErrNotFound
	}
	if mod.SourcePath != "" {
		if err := os.Remove(mod.SourcePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove module file: %w", err)
		}
	}
	return nil
}

// DefaultTimeout is the step timeout applied when a spec omits one.
func (r *Registry) DefaultTimeout() time.Duration {
	return r.defaultTimeout
}

// Count returns the number of loaded modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// ParseModule parses the markdown module format.
func ParseModule(data []byte, defaultTimeout time.Duration) (*Module, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	front, body, err := splitFrontMatter(text)
	if err != nil {
		return nil, err
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("front-matter: %w", err)
	}

	mod := &Module{
		ID:           fm.ID,
		Name:         fm.Name,
		Description:  fm.Description,
		Tags:         fm.Tags,
		SeverityHint: models.Severity(fm.SeverityHint),
	}
	for _, os := range fm.OSTypes {
		mod.OSTypes = append(mod.OSTypes, models.OSTag(os))
	}

	var cur *Step
	flush := func() {
		if cur != nil {
			if cur.Timeout == 0 {
				cur.Timeout = defaultTimeout
			}
			mod.Steps = append(mod.Steps, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, " \t")
		if m := stepHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Step{ID: m[1]}
			continue
		}
		if cur == nil {
			continue
		}
		m := stepFieldRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "description":
			cur.Description = value
		case "command":
			cur.Command = strings.Trim(value, "`")
		case "timeout":
			secs, err := strconv.Atoi(value)
			if err != nil || secs < 0 {
				return nil, fmt.Errorf("step %s: invalid timeout %q", cur.ID, value)
			}
			cur.Timeout = time.Duration(secs) * time.Second
		case "requires_sudo":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("step %s: invalid requires_sudo %q", cur.ID, value)
			}
			cur.RequiresSudo = b
		}
	}
	flush()

	if err := mod.Validate(); err != nil {
		return nil, err
	}
	return mod, nil
}

// SerializeModule renders the markdown form written by module CRUD.
func SerializeModule(m *Module) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "id: %s\n", m.ID)
	fmt.Fprintf(&b, "name: %s\n", m.Name)
	if m.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", m.Description)
	}
	b.WriteString("os_types: [")
	for i, os := range m.OSTypes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(os))
	}
	b.WriteString("]\n")
	if len(m.Tags) > 0 {
		b.WriteString("tags: [")
		for i, t := range m.Tags {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(t)
		}
		b.WriteString("]\n")
	}
	if m.SeverityHint != "" {
		fmt.Fprintf(&b, "severity_hint: %s\n", m.SeverityHint)
	}
	b.WriteString("---\n")

	for _, s := range m.Steps {
		fmt.Fprintf(&b, "\n### %s\n", s.ID)
		if s.Description != "" {
			fmt.Fprintf(&b, "**description**: %s\n", s.Description)
		}
		fmt.Fprintf(&b, "**command**: %s\n", s.Command)
		fmt.Fprintf(&b, "**timeout**: %d\n", int(s.Timeout.Seconds()))
		fmt.Fprintf(&b, "**requires_sudo**: %t\n", s.RequiresSudo)
	}
	return b.String()
}

func splitFrontMatter(text string) (front, body string, err error) {
	if !strings.HasPrefix(text, "---\n") {
		return "", "", fmt.Errorf("missing front-matter fence")
	}
	rest := text[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("unterminated front-matter")
	}
	front = rest[:end]
	body = rest[end+4:]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return front, body, nil
}

func sortModules(mods []*Module) {
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
}
