package hunt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

const linuxNetworkModule = `---
id: linux_network
name: Linux Network Hunt
description: Baseline network exposure checks.
os_types: [linux]
tags: [network, baseline]
severity_hint: medium
---

### check_listening_ports
**description**: List listening sockets
**command**: ss -tlnpu
**timeout**: 10
**requires_sudo**: false

### check_hosts_file
**description**: Dump the hosts file
**command**: cat /etc/hosts
**timeout**: 5
**requires_sudo**: false
`

func TestParseModule(t *testing.T) {
	mod, err := ParseModule([]byte(linuxNetworkModule), 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "linux_network", mod.ID)
	assert.Equal(t, "Linux Network Hunt", mod.Name)
	assert.Equal(t, []models.OSTag{models.OSLinux}, mod.OSTypes)
	assert.Equal(t, []string{"network", "baseline"}, mod.Tags)
	assert.Equal(t, models.SeverityMedium, mod.SeverityHint)

	require.Len(t, mod.Steps, 2)
	assert.Equal(t, "check_listening_ports", mod.Steps[0].ID)
	assert.Equal(t, "ss -tlnpu", mod.Steps[0].Command)
	assert.Equal(t, 10*time.Second, mod.Steps[0].Timeout)
	assert.False(t, mod.Steps[0].RequiresSudo)
	assert.Equal(t, "check_hosts_file", mod.Steps[1].ID)
	assert.Equal(t, 5*time.Second, mod.Steps[1].Timeout)
}

func TestParseModuleDefaultsTimeout(t *testing.T) {
	src := `---
id: quick
name: Quick
os_types: [linux]
---

### only_step
**command**: id
**requires_sudo**: true
`
	mod, err := ParseModule([]byte(src), 30*time.Second)
	require.NoError(t, err)
	require.Len(t, mod.Steps, 1)
	assert.Equal(t, 30*time.Second, mod.Steps[0].Timeout)
	assert.True(t, mod.Steps[0].RequiresSudo)
}

func TestParseModuleRejectsBadStepID(t *testing.T) {
	src := `---
id: bad
name: Bad
os_types: [linux]
---

### Not_A_Slug
**command**: id
`
	_, err := ParseModule([]byte(src), time.Second)
	require.Error(t, err)
}

func TestParseModuleRejectsMissingFrontMatter(t *testing.T) {
	_, err := ParseModule([]byte("### step\n**command**: id\n"), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "front-matter")
}

func TestParseModuleRejectsDuplicateSteps(t *testing.T) {
	src := `---
id: dup
name: Dup
os_types: [linux]
---

### same
**command**: id

### same
**command**: whoami
`
	_, err := ParseModule([]byte(src), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestSerializeRoundTrip(t *testing.T) {
	mod, err := ParseModule([]byte(linuxNetworkModule), 30*time.Second)
	require.NoError(t, err)

	again, err := ParseModule([]byte(SerializeModule(mod)), 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, mod.ID, again.ID)
	assert.Equal(t, mod.OSTypes, again.OSTypes)
	assert.Equal(t, mod.Tags, again.Tags)
	require.Len(t, again.Steps, len(mod.Steps))
	for i := range mod.Steps {
		assert.Equal(t, mod.Steps[i], again.Steps[i])
	}
}

func TestRegistryLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "linux_network.md"), []byte(linuxNetworkModule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("not a module"), 0o644))

	reg := NewRegistry(dir, 30*time.Second)
	require.NoError(t, reg.Load())
	assert.Equal(t, 1, reg.Count())

	mod, err := reg.Get("linux_network")
	require.NoError(t, err)
	assert.Equal(t, "linux_network", mod.ID)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRegistryReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "linux_network.md")
	require.NoError(t, os.WriteFile(path, []byte(linuxNetworkModule), 0o644))

	reg := NewRegistry(dir, 30*time.Second)
	require.NoError(t, reg.Load())

	updated := linuxNetworkModule + `
### extra_step
**command**: uptime
**timeout**: 5
**requires_sudo**: false
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	// Push mtime clearly past the recorded load time.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	mod, err := reg.Get("linux_network")
	require.NoError(t, err)
	assert.Len(t, mod.Steps, 3)
}

func TestRegistryPutAndDelete(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, 30*time.Second)

	mod := &Module{
		ID:      "windows_persistence",
		Name:    "Windows Persistence",
		OSTypes: []models.OSTag{models.OSWindows},
		Steps: []Step{
			{ID: "run_keys", Command: `reg query HKLM\...\Run`, Timeout: 10 * time.Second},
		},
	}
	require.NoError(t, reg.Put(mod))

	data, err := os.ReadFile(filepath.Join(dir, "windows_persistence.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "### run_keys")

	require.NoError(t, reg.Delete("windows_persistence"))
	assert.ErrorIs(t, reg.Delete("windows_persistence"), services.ErrNotFound)
	_, statErr := os.Stat(filepath.Join(dir, "windows_persistence.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRegistryPutRejectsInvalid(t *testing.T) {
	reg := NewRegistry(t.TempDir(), time.Second)
	err := reg.Put(&Module{ID: "NoSlug!"})
	assert.ErrorIs(t, err, services.ErrInvalidInput)
}
