// Package config provides configuration types and defaults for strand.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/paths"
)

// Config holds all configuration options for strand.
type Config struct {
	DBPath        string              `mapstructure:"db_path"`
	AutoRefresh   bool                `mapstructure:"auto_refresh"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Tabs          TabsConfig          `mapstructure:"tabs"`
	Metadata      MetadataConfig      `mapstructure:"metadata"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Flags         map[string]bool     `mapstructure:"flags"`
}

// TransportConfig selects how sessions reach their backend.
type TransportConfig struct {
	// Kind selects the backend: "local" (default) spawns a subprocess,
	// "remote" streams over HTTP.
	Kind string `mapstructure:"kind"`

	// Command and Args configure the local transport's subprocess.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// BaseURL configures the remote transport's backend endpoint.
	BaseURL string `mapstructure:"base_url"`
}

// TabsConfig tunes the keep-alive pool.
type TabsConfig struct {
	// GraceWindowMS is how long a session stays mounted after leaving the
	// desired set, in milliseconds. Rapid tab switches within the window
	// never dispose the session.
	GraceWindowMS int `mapstructure:"grace_window_ms"`
}

// GraceWindow returns the configured window as a duration, or zero when
// unset so callers can fall back to the package default.
func (t TabsConfig) GraceWindow() time.Duration {
	return time.Duration(t.GraceWindowMS) * time.Millisecond
}

// MetadataConfig tunes the conversation catalog cache.
type MetadataConfig struct {
	// CacheTTLSeconds is how long a conversation record stays cached
	// before the provider is consulted again.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// CacheTTL returns the configured TTL as a duration, or zero when unset.
func (m MetadataConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLSeconds) * time.Second
}

// NotificationsConfig controls turn-completion notifications.
type NotificationsConfig struct {
	// Enabled turns completion and error notifications on.
	Enabled bool `mapstructure:"enabled"`

	// OnError controls whether failed turns also notify.
	OnError bool `mapstructure:"on_error"`
}

// TracingConfig holds distributed tracing configuration for turn spans.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp"
	// Default: "none"
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultDBPath returns the default conversation database location.
// Returns ~/.strand/strand.db or empty string if home dir unavailable.
func DefaultDBPath() string {
	return paths.DBPath()
}

// ValidateTransport checks transport configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTransport(tr TransportConfig) error {
	switch tr.Kind {
	case "", "local":
		// Command may be empty here; the engine fills the default.
	case "remote":
		if tr.BaseURL == "" {
			return fmt.Errorf("transport.base_url is required when kind is \"remote\"")
		}
	default:
		return fmt.Errorf("transport.kind must be \"local\" or \"remote\", got %q", tr.Kind)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := ValidateTransport(c.Transport); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	if c.Tabs.GraceWindowMS < 0 {
		return fmt.Errorf("tabs.grace_window_ms must not be negative, got %d", c.Tabs.GraceWindowMS)
	}
	if c.Metadata.CacheTTLSeconds < 0 {
		return fmt.Errorf("metadata.cache_ttl_seconds must not be negative, got %d", c.Metadata.CacheTTLSeconds)
	}
	return nil
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DBPath:      DefaultDBPath(),
		AutoRefresh: true,
		Transport: TransportConfig{
			Kind:    "local",
			Command: "strand-agent",
		},
		Tabs: TabsConfig{
			GraceWindowMS: 100,
		},
		Metadata: MetadataConfig{
			CacheTTLSeconds: 60,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			OnError: true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Flags: map[string]bool{
			"session-resume": true,
		},
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Strand Configuration

# Path to the conversation database (default: ~/.strand/strand.db)
# db_path: /path/to/strand.db

# Refresh the conversation list when working directories change
auto_refresh: true

# Transport settings - how sessions reach their backend
transport:
  # Backend kind: "local" (default) spawns a subprocess, "remote" streams over HTTP
  kind: local

  # Local transport: executable and arguments
  command: strand-agent
  # args: ["--verbose"]

  # Remote transport: backend endpoint (required when kind is remote)
  # base_url: https://agent.internal:8443

# Keep-alive pool settings
tabs:
  # How long a session stays warm after its tab closes, in milliseconds.
  # Switching back within the window reuses the live session.
  grace_window_ms: 100

# Conversation catalog cache
metadata:
  cache_ttl_seconds: 60

# Turn-completion notifications
notifications:
  enabled: true
  on_error: true

# Feature flags
flags:
  # Resume interrupted backend streams when a conversation reopens
  session-resume: true
  # terminal-side-peek: false
  # verbose-stream-log: false

# Distributed tracing for turn lifecycles
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: none                 # Export backend: none, stdout, otlp
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0
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
