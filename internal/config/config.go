// Package config provides configuration types and defaults for the loom
// daemon. Configuration is read from loom.yml in the workspace root with
// LOOM_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/loom/internal/log"
)

// Recognized defaults and bounds.
const (
	DefaultWorkingDirectory = "_AiDevLog"
	DefaultPoolSize         = 5
	MinPoolSize             = 1
	MaxPoolSize             = 32
	DefaultStateUpdateMs    = 5000
	MinStateUpdateMs        = 500
	MaxStateUpdateMs        = 60000
	DefaultStuckThresholdMs = 600000
	DefaultRestDurationMs   = 0
	DefaultDebounceMs       = 1000
	DefaultCooldownMs       = 1000
	DefaultLockTTLMs        = 30000
	DefaultMaxSubgraphDepth = 8
)

// CoordinatorConfig holds the Coordinator's debounce and cooldown windows.
type CoordinatorConfig struct {
	DebounceMs int `mapstructure:"debounceMs"`
	CooldownMs int `mapstructure:"cooldownMs"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "file", "stdout", "otlp"
	FilePath     string  `mapstructure:"filePath"`
	OTLPEndpoint string  `mapstructure:"otlpEndpoint"`
	SampleRate   float64 `mapstructure:"sampleRate"`
}

// Config holds all recognized daemon options.
type Config struct {
	WorkingDirectory      string            `mapstructure:"workingDirectory"`
	AgentPoolSize         int               `mapstructure:"agentPoolSize"`
	StateUpdateInterval   int               `mapstructure:"stateUpdateInterval"` // ms
	DefaultAgentBackend   string            `mapstructure:"defaultAgentBackend"`
	StuckProcessThreshold int               `mapstructure:"stuckProcessThreshold"` // ms
	RestDuration          int               `mapstructure:"restDuration"`          // ms
	Coordinator           CoordinatorConfig `mapstructure:"coordinator"`
	EnableDomainExtensions map[string]bool  `mapstructure:"enableDomainExtensions"`

	// OrphanSignature is the command-line substring used by the orphan sweep.
	// Empty selects the agent backend's own signature (see daemon.New).
	OrphanSignature string `mapstructure:"orphanSignature"`

	LockTTL          int           `mapstructure:"lockTTL"` // ms
	MaxSubgraphDepth int           `mapstructure:"maxSubgraphDepth"`
	Tracing          TracingConfig `mapstructure:"tracing"`
	Debug            bool          `mapstructure:"debug"`

	// Workspace is the resolved absolute workspace root. Not read from the
	// config file; set by the loader.
	Workspace string `mapstructure:"-"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		WorkingDirectory:      DefaultWorkingDirectory,
		AgentPoolSize:         DefaultPoolSize,
		StateUpdateInterval:   DefaultStateUpdateMs,
		DefaultAgentBackend:   "claude",
		StuckProcessThreshold: DefaultStuckThresholdMs,
		RestDuration:          DefaultRestDurationMs,
		Coordinator: CoordinatorConfig{
			DebounceMs: DefaultDebounceMs,
			CooldownMs: DefaultCooldownMs,
		},
		LockTTL:          DefaultLockTTLMs,
		MaxSubgraphDepth: DefaultMaxSubgraphDepth,
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks bounds on every recognized option.
func (c *Config) Validate() error {
	if c.WorkingDirectory == "" {
		return fmt.Errorf("workingDirectory must not be empty")
	}
	if c.AgentPoolSize < MinPoolSize || c.AgentPoolSize > MaxPoolSize {
		return fmt.Errorf("agentPoolSize %d out of bounds [%d, %d]", c.AgentPoolSize, MinPoolSize, MaxPoolSize)
	}
	if c.StateUpdateInterval < MinStateUpdateMs || c.StateUpdateInterval > MaxStateUpdateMs {
		return fmt.Errorf("stateUpdateInterval %d out of bounds [%d, %d]", c.StateUpdateInterval, MinStateUpdateMs, MaxStateUpdateMs)
	}
	if c.StuckProcessThreshold <= 0 {
		return fmt.Errorf("stuckProcessThreshold must be positive")
	}
	if c.RestDuration < 0 {
		return fmt.Errorf("restDuration must be nonnegative")
	}
	if c.Coordinator.DebounceMs <= 0 || c.Coordinator.CooldownMs < 0 {
		return fmt.Errorf("coordinator debounceMs must be positive and cooldownMs nonnegative")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lockTTL must be positive")
	}
	if c.MaxSubgraphDepth < 1 {
		return fmt.Errorf("maxSubgraphDepth must be at least 1")
	}
	switch c.Tracing.Exporter {
	case "", "file", "stdout", "otlp", "none":
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}
	if c.DefaultAgentBackend == "" {
		return fmt.Errorf("defaultAgentBackend must not be empty")
	}
	return nil
}

// Durations derived from millisecond options.

func (c *Config) StateUpdateDur() time.Duration { return time.Duration(c.StateUpdateInterval) * time.Millisecond }

// StuckThresholdDur returns the stuck-process window.
func (c *Config) StuckThresholdDur() time.Duration {
	return time.Duration(c.StuckProcessThreshold) * time.Millisecond
}

// RestDur returns the slot rest period.
func (c *Config) RestDur() time.Duration { return time.Duration(c.RestDuration) * time.Millisecond }

// DebounceDur returns the coordinator debounce window.
func (c *Config) DebounceDur() time.Duration {
	return time.Duration(c.Coordinator.DebounceMs) * time.Millisecond
}

// CooldownDur returns the coordinator cooldown window.
func (c *Config) CooldownDur() time.Duration {
	return time.Duration(c.Coordinator.CooldownMs) * time.Millisecond
}

// LockTTLDur returns the stale-lock TTL.
func (c *Config) LockTTLDur() time.Duration { return time.Duration(c.LockTTL) * time.Millisecond }

// Extension reports whether an optional subsystem integration is enabled.
// Names match case-insensitively, since viper lowercases map keys on load.
func (c *Config) Extension(name string) bool {
	if c.EnableDomainExtensions == nil {
		return false
	}
	if v, ok := c.EnableDomainExtensions[name]; ok {
		return v
	}
	for k, v := range c.EnableDomainExtensions {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return false
}

func logLoaded(c *Config, source string) {
	log.Debug(log.CatConfig, "Configuration loaded",
		"source", source,
		"workingDirectory", c.WorkingDirectory,
		"agentPoolSize", c.AgentPoolSize,
		"backend", c.DefaultAgentBackend)
}
