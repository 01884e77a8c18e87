package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RC-CHN/bay/internal/model"
)

const profilesYAML = `
profiles:
  - id: python-default
    idle_timeout_seconds: 600
    default_ttl_seconds: 3600
    containers:
      - name: ship
        image: bay-code-runtime:latest
        resources: {cpu: 1, memory_mb: 512}
        runtime_port: 8000
        runtime_type: code_runtime
        capabilities: [python, shell, filesystem]
  - id: browser-python
    idle_timeout_seconds: 900
    default_ttl_seconds: 7200
    containers:
      - name: ship
        image: bay-code-runtime:latest
        resources: {cpu: 1, memory_mb: 512}
        runtime_port: 8000
        runtime_type: code_runtime
        capabilities: [python, shell, filesystem]
      - name: gull
        image: bay-browser-runtime:latest
        resources: {cpu: 2, memory_mb: 2048}
        runtime_port: 8001
        runtime_type: browser_runtime
        capabilities: [browser, filesystem]
        primary_for: [browser]
`

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o644))

	reg, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, reg.List(), 2)

	p, ok := reg.Get("browser-python")
	require.True(t, ok)
	assert.Equal(t, int64(900), p.IdleTimeoutSeconds)
	require.Len(t, p.Containers, 2)
	assert.Equal(t, model.RuntimeTypeBrowser, p.Containers[1].RuntimeType)
}

func TestContainerSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o644))
	reg, err := LoadProfiles(path)
	require.NoError(t, err)

	p, _ := reg.Get("browser-python")

	// primary_for claim wins.
	assert.Equal(t, "gull", p.ContainerFor(model.CapabilityBrowser).Name)
	// Unclaimed ties resolve by list order: both advertise filesystem,
	// ship is first.
	assert.Equal(t, "ship", p.ContainerFor(model.CapabilityFilesystem).Name)
	assert.Equal(t, "ship", p.ContainerFor(model.CapabilityPython).Name)
}

func TestProfileValidation(t *testing.T) {
	base := model.ContainerSpec{
		Name:         "ship",
		Image:        "img",
		RuntimePort:  8000,
		RuntimeType:  model.RuntimeTypeCode,
		Capabilities: []model.Capability{model.CapabilityPython},
	}

	tests := []struct {
		name    string
		mutate  func(*model.Profile)
		wantErr string
	}{
		{"valid", func(p *model.Profile) {}, ""},
		{"missing id", func(p *model.Profile) { p.ID = "" }, "missing id"},
		{"no containers", func(p *model.Profile) { p.Containers = nil }, "no containers"},
		{"no port", func(p *model.Profile) { p.Containers[0].RuntimePort = 0 }, "runtime_port"},
		{"bad runtime type", func(p *model.Profile) { p.Containers[0].RuntimeType = "vm" }, "runtime_type"},
		{"no capabilities", func(p *model.Profile) { p.Containers[0].Capabilities = nil }, "no capabilities"},
		{"primary_for not advertised", func(p *model.Profile) {
			p.Containers[0].PrimaryFor = []model.Capability{model.CapabilityBrowser}
		}, "primary_for"},
		{"no idle timeout", func(p *model.Profile) { p.IdleTimeoutSeconds = 0 }, "idle_timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := model.Profile{
				ID:                 "p",
				IdleTimeoutSeconds: 60,
				Containers:         []model.ContainerSpec{base},
			}
			tt.mutate(&p)
			_, err := NewProfileRegistry([]model.Profile{p})
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDuplicateProfileID(t *testing.T) {
	spec := model.ContainerSpec{
		Name: "ship", Image: "img", RuntimePort: 8000,
		RuntimeType:  model.RuntimeTypeCode,
		Capabilities: []model.Capability{model.CapabilityPython},
	}
	p := model.Profile{ID: "dup", IdleTimeoutSeconds: 60, Containers: []model.ContainerSpec{spec}}
	_, err := NewProfileRegistry([]model.Profile{p, p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
