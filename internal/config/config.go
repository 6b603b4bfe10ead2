// Package config loads the runtime's configuration surface (§6.3): backend
// selection, lease/heartbeat/sweep tunables, the override signal name, and
// the escalation channel names, from an optional maf.yaml plus environment
// overrides. mergo merges maf.yaml over the built-in defaults (the teacher's
// "user config overrides built-in" order); environment overrides are
// applied after that merge and always win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/maf/internal/store"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// Backend is the primary backend, with Fallback tried in order if it
	// cannot be opened (§4.A "Fallback", §4.J "attempts each in order").
	Backend  store.Backend   `yaml:"backend"`
	Fallback []store.Backend `yaml:"fallback"`

	// StorePath is the durable DSN or the file backend's directory root.
	StorePath string `yaml:"store_path"`

	DefaultLeaseDuration time.Duration `yaml:"default_lease_duration"`
	MaxLeaseDuration     time.Duration `yaml:"max_lease_duration"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatWindow   time.Duration `yaml:"heartbeat_window"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`

	LeaseSweepInterval    time.Duration `yaml:"lease_sweep_interval"`
	LivenessSweepInterval time.Duration `yaml:"liveness_sweep_interval"`

	// OverrideSignal names the environment variable that, when set,
	// unconditionally allows a precommit check (§4.I rule 6).
	OverrideSignal string `yaml:"override_signal"`

	DebugChannel  string `yaml:"debug_channel"`
	ReviewChannel string `yaml:"review_channel"`

	// Thresholds are surfaced as events, never acted upon (§6.3).
	Thresholds ThresholdConfig `yaml:"thresholds"`
}

// ThresholdConfig mirrors the external monitor's quota inputs; the runtime
// only surfaces these as events.
type ThresholdConfig struct {
	CPUPercent  float64 `yaml:"cpu_percent"`
	MemPercent  float64 `yaml:"mem_percent"`
	DiskPercent float64 `yaml:"disk_percent"`
	ContextPct  float64 `yaml:"context_percent"`
}

// Defaults returns the built-in configuration applied before any file or
// environment overrides.
func Defaults() *Config {
	return &Config{
		Backend:               store.BackendDurable,
		Fallback:              []store.Backend{store.BackendFile, store.BackendMemory},
		StorePath:             "./maf-data",
		DefaultLeaseDuration:  10 * time.Minute,
		MaxLeaseDuration:      time.Hour,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatWindow:       2 * time.Minute,
		LivenessTimeout:       5 * time.Minute,
		LeaseSweepInterval:    150 * time.Second, // min lease duration / 4
		LivenessSweepInterval: 100 * time.Second, // liveness_timeout / 3
		OverrideSignal:        "MAF_PRECOMMIT_OVERRIDE",
		DebugChannel:          "debug",
		ReviewChannel:         "review",
	}
}

// Load builds the effective Config: built-in defaults, overridden by
// configDir/maf.yaml (if present), overridden by environment variables.
// A .env file in configDir is loaded first, matching the teacher's
// godotenv usage at process startup.
func Load(configDir string) (*Config, error) {
	if configDir != "" {
		_ = godotenv.Load(filepath.Join(configDir, ".env"))
	}

	cfg := Defaults()

	if configDir != "" {
		path := filepath.Join(configDir, "maf.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
			}
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAF_BACKEND"); v != "" {
		cfg.Backend = store.Backend(v)
	}
	if v := os.Getenv("MAF_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("MAF_OVERRIDE_SIGNAL"); v != "" {
		cfg.OverrideSignal = v
	}
	if v := os.Getenv("MAF_DEFAULT_LEASE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultLeaseDuration = d
		}
	}
	if v := os.Getenv("MAF_LIVENESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LivenessTimeout = d
		}
	}
}

// OverrideActive reports whether this process's environment currently
// carries the configured override signal (§4.I rule 6). The CLI calls this
// rather than reading os.Getenv directly so the signal name stays a single
// configuration value.
func (c *Config) OverrideActive() bool {
	v := os.Getenv(c.OverrideSignal)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true // any non-empty, non-boolean value still counts as "set"
	}
	return b
}

func validate(cfg *Config) error {
	switch cfg.Backend {
	case store.BackendDurable, store.BackendFile, store.BackendMemory:
	default:
		return fmt.Errorf("backend: unrecognized value %q", cfg.Backend)
	}
	if cfg.DefaultLeaseDuration <= 0 {
		return fmt.Errorf("default_lease_duration must be positive")
	}
	if cfg.LivenessTimeout <= 0 {
		return fmt.Errorf("liveness_timeout must be positive")
	}
	return nil
}
