package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// FileName is the workspace configuration file name.
const FileName = "loom.yml"

// Load reads the configuration for a workspace. Missing file yields
// defaults; a malformed file or out-of-bounds value is an error (the daemon
// exits with the configuration exit code).
func Load(workspace string) (Config, error) {
	cfg := Default()

	abs, err := filepath.Abs(workspace)
	if err != nil {
		return cfg, fmt.Errorf("resolving workspace path: %w", err)
	}
	cfg.Workspace = abs

	v := viper.New()
	v.SetConfigFile(filepath.Join(abs, FileName))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v, cfg)

	source := "defaults"
	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile yields a *fs.PathError for a missing file; viper's
		// own not-found error appears when search paths are used.
		var nf viper.ConfigFileNotFoundError
		var pathErr *fs.PathError
		if !errors.As(err, &nf) && !errors.As(err, &pathErr) {
			return cfg, fmt.Errorf("reading %s: %w", FileName, err)
		}
	} else {
		source = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding configuration: %w", err)
	}
	cfg.Workspace = abs

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	logLoaded(&cfg, source)
	return cfg, nil
}

func applyDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("workingDirectory", cfg.WorkingDirectory)
	v.SetDefault("agentPoolSize", cfg.AgentPoolSize)
	v.SetDefault("stateUpdateInterval", cfg.StateUpdateInterval)
	v.SetDefault("defaultAgentBackend", cfg.DefaultAgentBackend)
	v.SetDefault("stuckProcessThreshold", cfg.StuckProcessThreshold)
	v.SetDefault("restDuration", cfg.RestDuration)
	v.SetDefault("coordinator.debounceMs", cfg.Coordinator.DebounceMs)
	v.SetDefault("coordinator.cooldownMs", cfg.Coordinator.CooldownMs)
	v.SetDefault("lockTTL", cfg.LockTTL)
	v.SetDefault("maxSubgraphDepth", cfg.MaxSubgraphDepth)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.otlpEndpoint", cfg.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sampleRate", cfg.Tracing.SampleRate)
}
