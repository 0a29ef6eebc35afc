// Package engine launches, tracks and reaps executions of the external AI
// binary, and exposes the sync and detached entry points callers drive.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's own configuration, loaded from
// ~/.config/emdx/config.yaml (overridable via EMDX_CONFIG).
type Config struct {
	// Executable is the external AI binary name or path.
	Executable string `json:"executable,omitempty" yaml:"executable,omitempty"`
	// Model passed to the binary; empty uses the binary's default.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// DatabasePath is the embedded database file.
	DatabasePath string `json:"database_path,omitempty" yaml:"database_path,omitempty"`
	// LogsRoot holds one log file per execution.
	LogsRoot string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`

	DefaultTimeoutSeconds        int `json:"default_timeout_seconds,omitempty" yaml:"default_timeout_seconds,omitempty"`
	ImplementationTimeoutSeconds int `json:"implementation_timeout_seconds,omitempty" yaml:"implementation_timeout_seconds,omitempty"`
	ReconcilerIntervalMS         int `json:"reconciler_interval_ms,omitempty" yaml:"reconciler_interval_ms,omitempty"`
	SpawnGraceSeconds            int `json:"spawn_grace_seconds,omitempty" yaml:"spawn_grace_seconds,omitempty"`
	MonitorPollMS                int `json:"monitor_poll_ms,omitempty" yaml:"monitor_poll_ms,omitempty"`
}

// LoadConfigFile reads a YAML config. A missing file yields defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyConfigDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// DefaultConfigPath resolves the config location from EMDX_CONFIG or the
// XDG config home.
func DefaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("EMDX_CONFIG")); p != "" {
		return p
	}
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "emdx.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "emdx", "config.yaml")
}

func applyConfigDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Executable) == "" {
		cfg.Executable = "claude"
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = filepath.Join(stateHome(), "emdx", "emdx.db")
	}
	if strings.TrimSpace(cfg.LogsRoot) == "" {
		cfg.LogsRoot = filepath.Join(stateHome(), "emdx", "logs")
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 300
	}
	if cfg.ImplementationTimeoutSeconds <= 0 {
		cfg.ImplementationTimeoutSeconds = 1800
	}
	if cfg.ReconcilerIntervalMS <= 0 {
		cfg.ReconcilerIntervalMS = 2000
	}
	if cfg.SpawnGraceSeconds <= 0 {
		cfg.SpawnGraceSeconds = 5
	}
	if cfg.MonitorPollMS <= 0 {
		cfg.MonitorPollMS = 2000
	}
}

// DefaultTimeout returns the standard stage timeout.
func (cfg *Config) DefaultTimeout() time.Duration {
	return time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
}

// ImplementationTimeout returns the long timeout for implementation work.
func (cfg *Config) ImplementationTimeout() time.Duration {
	return time.Duration(cfg.ImplementationTimeoutSeconds) * time.Second
}

// ReconcilerInterval returns the zombie reconciler cadence.
func (cfg *Config) ReconcilerInterval() time.Duration {
	return time.Duration(cfg.ReconcilerIntervalMS) * time.Millisecond
}

// MonitorPoll returns the completion monitor poll interval.
func (cfg *Config) MonitorPoll() time.Duration {
	return time.Duration(cfg.MonitorPollMS) * time.Millisecond
}

func stateHome() string {
	if base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); base != "" {
		return base
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}
