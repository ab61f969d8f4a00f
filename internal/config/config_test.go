package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, "_AiDevLog", cfg.WorkingDirectory)
	require.Equal(t, 5, cfg.AgentPoolSize)
	require.Equal(t, 5000, cfg.StateUpdateInterval)
	require.Equal(t, "claude", cfg.DefaultAgentBackend)
	require.Equal(t, 600000, cfg.StuckProcessThreshold)
	require.Equal(t, 0, cfg.RestDuration)
	require.Equal(t, 10*time.Minute, cfg.StuckThresholdDur())
	require.Equal(t, time.Second, cfg.DebounceDur())
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"pool too small", func(c *Config) { c.AgentPoolSize = 0 }},
		{"pool too large", func(c *Config) { c.AgentPoolSize = 33 }},
		{"update interval too low", func(c *Config) { c.StateUpdateInterval = 100 }},
		{"update interval too high", func(c *Config) { c.StateUpdateInterval = 120000 }},
		{"empty working dir", func(c *Config) { c.WorkingDirectory = "" }},
		{"zero stuck threshold", func(c *Config) { c.StuckProcessThreshold = 0 }},
		{"negative rest", func(c *Config) { c.RestDuration = -1 }},
		{"zero debounce", func(c *Config) { c.Coordinator.DebounceMs = 0 }},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "carrier-pigeon" }},
		{"empty backend", func(c *Config) { c.DefaultAgentBackend = "" }},
		{"zero subgraph depth", func(c *Config) { c.MaxSubgraphDepth = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Default().AgentPoolSize, cfg.AgentPoolSize)
	require.NotEmpty(t, cfg.Workspace)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	doc := `
workingDirectory: _CustomLog
agentPoolSize: 2
restDuration: 1500
coordinator:
  debounceMs: 250
  cooldownMs: 100
enableDomainExtensions:
  gameEngine: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "_CustomLog", cfg.WorkingDirectory)
	require.Equal(t, 2, cfg.AgentPoolSize)
	require.Equal(t, 1500*time.Millisecond, cfg.RestDur())
	require.Equal(t, 250*time.Millisecond, cfg.DebounceDur())
	require.True(t, cfg.Extension("gameEngine"))
	require.False(t, cfg.Extension("other"))
}

func TestLoad_OutOfBoundsRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("agentPoolSize: 99\n"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_MalformedRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("agentPoolSize: [not a number\n"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
}
