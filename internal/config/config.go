// Package config provides configuration types and defaults for conductor.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/zjrosen/conductor/internal/log"
)

// Config holds all configuration options for conductor.
type Config struct {
	Host     HostConfig     `mapstructure:"host"`
	Registry RegistryConfig `mapstructure:"registry"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Debounce DebounceConfig `mapstructure:"debounce"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`
}

// HostConfig holds settings for the opencode host server connection.
type HostConfig struct {
	// BaseURL is the address of the opencode server.
	// Default: http://127.0.0.1:4096
	BaseURL string `mapstructure:"base_url"`

	// RequestTimeoutSeconds bounds individual HTTP requests to the host.
	// Does not apply to the SSE event stream.
	// Default: 30
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// RegistryConfig holds session registry storage settings.
type RegistryConfig struct {
	// File overrides the registry document name under .opencode/conductor.
	// Default: session-registry.json
	File string `mapstructure:"file"`
}

// WorktreeConfig holds workspace provisioning settings.
type WorktreeConfig struct {
	// Disabled forces all child sessions into the orchestrator's directory
	// instead of isolated worktrees. Default: false
	Disabled bool `mapstructure:"disabled"`

	// Prefix is prepended to generated worktree directory names.
	// Default: "wt"
	Prefix string `mapstructure:"prefix"`
}

// DebounceConfig holds idle-stability detection settings.
type DebounceConfig struct {
	// IdleMs is how long a child session must stay idle before its
	// result is considered stable and forwarded. Default: 5000
	IdleMs int `mapstructure:"idle_ms"`
}

// LogConfig holds diagnostic logging settings.
type LogConfig struct {
	// Enabled turns file logging on. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Path is the log file location.
	// Default: ~/.config/conductor/conductor.log
	Path string `mapstructure:"path"`

	// Level is the minimum level written: debug, info, warn, error.
	// Default: info
	Level string `mapstructure:"level"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/conductor/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/conductor/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "conductor", "traces", "traces.jsonl")
}

// DefaultLogPath returns the default path for the diagnostic log file.
// Returns ~/.config/conductor/conductor.log or empty string if home dir unavailable.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "conductor", "conductor.log")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Host: HostConfig{
			BaseURL:               "http://127.0.0.1:4096",
			RequestTimeoutSeconds: 30,
		},
		Registry: RegistryConfig{
			File: "", // Resolved to session-registry.json at runtime
		},
		Worktree: WorktreeConfig{
			Disabled: false,
			Prefix:   "wt",
		},
		Debounce: DebounceConfig{
			IdleMs: 5000,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Enabled: false,
			Path:    "", // Derived from config dir at runtime
			Level:   "info",
		},
	}
}

// ValidateHost checks host connection configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateHost(host HostConfig) error {
	if host.BaseURL != "" {
		u, err := url.Parse(host.BaseURL)
		if err != nil {
			return fmt.Errorf("host.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("host.base_url must use http or https, got %q", u.Scheme)
		}
	}

	if host.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("host.request_timeout_seconds must not be negative, got %d", host.RequestTimeoutSeconds)
	}

	return nil
}

// ValidateDebounce checks idle-stability configuration for errors.
func ValidateDebounce(debounce DebounceConfig) error {
	if debounce.IdleMs < 0 {
		return fmt.Errorf("debounce.idle_ms must not be negative, got %d", debounce.IdleMs)
	}
	return nil
}

// ValidateLog checks logging configuration for errors.
func ValidateLog(lc LogConfig) error {
	if lc.Level != "" {
		switch lc.Level {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", lc.Level)
		}
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// Validate checks the full configuration for errors.
func Validate(cfg Config) error {
	if err := ValidateHost(cfg.Host); err != nil {
		return err
	}
	if err := ValidateDebounce(cfg.Debounce); err != nil {
		return err
	}
	if err := ValidateLog(cfg.Log); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Conductor Configuration

# Opencode host server connection
host:
  base_url: http://127.0.0.1:4096
  # request_timeout_seconds: 30

# Session registry storage
# registry:
#   file: session-registry.json   # Stored under <repo>/.opencode/conductor/

# Workspace provisioning for child sessions
worktree:
  # Skip worktree isolation and run children in the orchestrator's directory
  disabled: false
  # Prefix for generated worktree directory names
  prefix: wt

# Idle-stability detection
# A child result is forwarded only after the session stays idle this long
debounce:
  idle_ms: 5000

# Diagnostic logging
log:
  enabled: false
  # path: ~/.config/conductor/conductor.log
  level: info   # debug, info, warn, error

# Distributed tracing
# Enables end-to-end visibility into session scheduling flows
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/conductor/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
