// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Configuration is loaded from a single file specified by:
//   - FORMBRIDGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections (development,
// staging, production) that override base values when the environment matches.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Package defaults, used when the corresponding config field is empty
// or fails to parse. Validate rejects unparseable values, so the
// fallbacks only matter for configs that skipped validation.
const (
	DefaultListenAddr             = "127.0.0.1:8642"
	DefaultSessionTTL             = 10 * time.Minute
	DefaultDispatchTimeout        = 20 * time.Second
	DefaultDispatchTimeoutCeiling = 55 * time.Second
	DefaultKeepaliveInterval      = 20 * time.Second
	DefaultStreamBuffer           = 32
	DefaultEventRetention         = 7 * 24 * time.Hour
	DefaultShutdownGrace          = 5 * time.Second
	DefaultRunStartupTimeout      = 30 * time.Second
	DefaultMaxConcurrentRuns      = 4
)

// Config is the master configuration for FormBridge.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Bridge configures session and dispatch behavior.
	Bridge BridgeConfig `yaml:"bridge"`

	// EventLog configures the persistent event log.
	EventLog EventLogConfig `yaml:"event_log"`

	// Transcript configures run transcript recording.
	Transcript TranscriptConfig `yaml:"transcript"`

	// Runner configures agent process execution.
	Runner RunnerConfig `yaml:"runner"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths      *PathsConfig      `yaml:"paths,omitempty"`
	Server     *ServerConfig     `yaml:"server,omitempty"`
	Bridge     *BridgeConfig     `yaml:"bridge,omitempty"`
	EventLog   *EventLogConfig   `yaml:"event_log,omitempty"`
	Transcript *TranscriptConfig `yaml:"transcript,omitempty"`
	Runner     *RunnerConfig     `yaml:"runner,omitempty"`
	Log        *LogConfig        `yaml:"log,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for FormBridge data.
	Root string `yaml:"root"`

	// State is where runtime state (the event log database) is stored.
	State string `yaml:"state"`

	// Transcripts is where sealed run transcripts are written.
	Transcripts string `yaml:"transcripts"`

	// Profiles is the directory containing runner profile files.
	Profiles string `yaml:"profiles"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port the server binds.
	// Default: 127.0.0.1:8642
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable base URL, used when
	// handing connection details to spawned runner processes. When
	// empty it is derived from ListenAddr.
	PublicBaseURL string `yaml:"public_base_url"`

	// ShutdownGrace is how long in-flight requests get to finish on
	// shutdown. Default: 5s
	ShutdownGrace string `yaml:"shutdown_grace"`
}

// BridgeConfig configures session and dispatch behavior.
type BridgeConfig struct {
	// SessionTTL is the idle lifetime of a bridge session. Any
	// authorized operation renews it. Default: 10m
	SessionTTL string `yaml:"session_ttl"`

	// DispatchTimeout is the default wait for a browser response when
	// the caller does not specify one. Default: 20s
	DispatchTimeout string `yaml:"dispatch_timeout"`

	// DispatchTimeoutCeiling caps caller-supplied dispatch timeouts.
	// Default: 55s
	DispatchTimeoutCeiling string `yaml:"dispatch_timeout_ceiling"`

	// KeepaliveInterval is how often keepalive frames are emitted on
	// idle browser streams. Default: 20s
	KeepaliveInterval string `yaml:"keepalive_interval"`

	// StreamBuffer is the per-session outbound frame buffer. A browser
	// that falls this far behind is detached. Default: 32
	StreamBuffer int `yaml:"stream_buffer"`
}

// EventLogConfig configures the persistent event log.
type EventLogConfig struct {
	// Path is the SQLite database file. Default: <paths.state>/events.db
	Path string `yaml:"path"`

	// Retention is how long events are kept before pruning.
	// Default: 168h (7 days)
	Retention string `yaml:"retention"`
}

// TranscriptConfig configures run transcript recording.
type TranscriptConfig struct {
	// Compression selects the frame codec: none, lz4, or zstd.
	// Default: zstd
	Compression string `yaml:"compression"`

	// KeyFile is the path to a hex-encoded 32-byte master key used to
	// encrypt transcripts, or "-" to read the key from stdin. Empty
	// disables encryption.
	KeyFile string `yaml:"key_file"`
}

// RunnerConfig configures agent process execution.
type RunnerConfig struct {
	// DefaultProfile is the runner profile used when a run request
	// does not name one.
	DefaultProfile string `yaml:"default_profile"`

	// MaxConcurrentRuns caps simultaneous runner processes. Default: 4
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// StartupTimeout is how long to wait for a spawned runner to emit
	// its first event. Default: 30s
	StartupTimeout string `yaml:"startup_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum level emitted: debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "formbridge")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:        defaultRoot,
			State:       filepath.Join(defaultRoot, "state"),
			Transcripts: filepath.Join(defaultRoot, "transcripts"),
			Profiles:    filepath.Join(defaultRoot, "profiles"),
		},
		Server: ServerConfig{
			ListenAddr:    DefaultListenAddr,
			ShutdownGrace: "5s",
		},
		Bridge: BridgeConfig{
			SessionTTL:             "10m",
			DispatchTimeout:        "20s",
			DispatchTimeoutCeiling: "55s",
			KeepaliveInterval:      "20s",
			StreamBuffer:           DefaultStreamBuffer,
		},
		EventLog: EventLogConfig{
			Retention: "168h",
		},
		Transcript: TranscriptConfig{
			Compression: "zstd",
		},
		Runner: RunnerConfig{
			DefaultProfile:    "default",
			MaxConcurrentRuns: DefaultMaxConcurrentRuns,
			StartupTimeout:    "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the FORMBRIDGE_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if FORMBRIDGE_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no hidden
// overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("FORMBRIDGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FORMBRIDGE_CONFIG environment variable not set; " +
			"set it to the path of your formbridge.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for
// portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.Transcripts != "" {
			c.Paths.Transcripts = overrides.Paths.Transcripts
		}
		if overrides.Paths.Profiles != "" {
			c.Paths.Profiles = overrides.Paths.Profiles
		}
	}

	if overrides.Server != nil {
		if overrides.Server.ListenAddr != "" {
			c.Server.ListenAddr = overrides.Server.ListenAddr
		}
		if overrides.Server.PublicBaseURL != "" {
			c.Server.PublicBaseURL = overrides.Server.PublicBaseURL
		}
		if overrides.Server.ShutdownGrace != "" {
			c.Server.ShutdownGrace = overrides.Server.ShutdownGrace
		}
	}

	if overrides.Bridge != nil {
		if overrides.Bridge.SessionTTL != "" {
			c.Bridge.SessionTTL = overrides.Bridge.SessionTTL
		}
		if overrides.Bridge.DispatchTimeout != "" {
			c.Bridge.DispatchTimeout = overrides.Bridge.DispatchTimeout
		}
		if overrides.Bridge.DispatchTimeoutCeiling != "" {
			c.Bridge.DispatchTimeoutCeiling = overrides.Bridge.DispatchTimeoutCeiling
		}
		if overrides.Bridge.KeepaliveInterval != "" {
			c.Bridge.KeepaliveInterval = overrides.Bridge.KeepaliveInterval
		}
		if overrides.Bridge.StreamBuffer != 0 {
			c.Bridge.StreamBuffer = overrides.Bridge.StreamBuffer
		}
	}

	if overrides.EventLog != nil {
		if overrides.EventLog.Path != "" {
			c.EventLog.Path = overrides.EventLog.Path
		}
		if overrides.EventLog.Retention != "" {
			c.EventLog.Retention = overrides.EventLog.Retention
		}
	}

	if overrides.Transcript != nil {
		if overrides.Transcript.Compression != "" {
			c.Transcript.Compression = overrides.Transcript.Compression
		}
		if overrides.Transcript.KeyFile != "" {
			c.Transcript.KeyFile = overrides.Transcript.KeyFile
		}
	}

	if overrides.Runner != nil {
		if overrides.Runner.DefaultProfile != "" {
			c.Runner.DefaultProfile = overrides.Runner.DefaultProfile
		}
		if overrides.Runner.MaxConcurrentRuns != 0 {
			c.Runner.MaxConcurrentRuns = overrides.Runner.MaxConcurrentRuns
		}
		if overrides.Runner.StartupTimeout != "" {
			c.Runner.StartupTimeout = overrides.Runner.StartupTimeout
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"FORMBRIDGE_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["FORMBRIDGE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Transcripts = expandVars(c.Paths.Transcripts, vars)
	c.Paths.Profiles = expandVars(c.Paths.Profiles, vars)
	c.EventLog.Path = expandVars(c.EventLog.Path, vars)
	c.Transcript.KeyFile = expandVars(c.Transcript.KeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if c.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}

	if c.Bridge.StreamBuffer <= 0 {
		errs = append(errs, fmt.Errorf("bridge.stream_buffer must be positive"))
	}

	if c.Runner.MaxConcurrentRuns <= 0 {
		errs = append(errs, fmt.Errorf("runner.max_concurrent_runs must be positive"))
	}

	compressionValues := []string{"none", "lz4", "zstd"}
	if !contains(compressionValues, c.Transcript.Compression) {
		errs = append(errs, fmt.Errorf("transcript.compression must be one of: %v", compressionValues))
	}

	levelValues := []string{"debug", "info", "warn", "error"}
	if !contains(levelValues, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levelValues))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"server.shutdown_grace", c.Server.ShutdownGrace},
		{"bridge.session_ttl", c.Bridge.SessionTTL},
		{"bridge.dispatch_timeout", c.Bridge.DispatchTimeout},
		{"bridge.dispatch_timeout_ceiling", c.Bridge.DispatchTimeoutCeiling},
		{"bridge.keepalive_interval", c.Bridge.KeepaliveInterval},
		{"event_log.retention", c.EventLog.Retention},
		{"runner.startup_timeout", c.Runner.StartupTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if c.DispatchTimeout() > c.DispatchTimeoutCeiling() {
		errs = append(errs, fmt.Errorf("bridge.dispatch_timeout %s exceeds ceiling %s",
			c.DispatchTimeout(), c.DispatchTimeoutCeiling()))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.Transcripts,
		c.Paths.Profiles,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// SessionTTL returns bridge.session_ttl as a duration.
func (c *Config) SessionTTL() time.Duration {
	return parseDurationOr(c.Bridge.SessionTTL, DefaultSessionTTL)
}

// DispatchTimeout returns bridge.dispatch_timeout as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	return parseDurationOr(c.Bridge.DispatchTimeout, DefaultDispatchTimeout)
}

// DispatchTimeoutCeiling returns bridge.dispatch_timeout_ceiling as a duration.
func (c *Config) DispatchTimeoutCeiling() time.Duration {
	return parseDurationOr(c.Bridge.DispatchTimeoutCeiling, DefaultDispatchTimeoutCeiling)
}

// KeepaliveInterval returns bridge.keepalive_interval as a duration.
func (c *Config) KeepaliveInterval() time.Duration {
	return parseDurationOr(c.Bridge.KeepaliveInterval, DefaultKeepaliveInterval)
}

// EventRetention returns event_log.retention as a duration.
func (c *Config) EventRetention() time.Duration {
	return parseDurationOr(c.EventLog.Retention, DefaultEventRetention)
}

// ShutdownGrace returns server.shutdown_grace as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return parseDurationOr(c.Server.ShutdownGrace, DefaultShutdownGrace)
}

// RunStartupTimeout returns runner.startup_timeout as a duration.
func (c *Config) RunStartupTimeout() time.Duration {
	return parseDurationOr(c.Runner.StartupTimeout, DefaultRunStartupTimeout)
}

// EventLogPath returns the SQLite database file for the event log,
// deriving it from paths.state when event_log.path is unset.
func (c *Config) EventLogPath() string {
	if c.EventLog.Path != "" {
		return c.EventLog.Path
	}
	return filepath.Join(c.Paths.State, "events.db")
}

// PublicBaseURL returns the externally reachable base URL for the
// server, deriving it from the listen address when unset. The result
// never has a trailing slash.
func (c *Config) PublicBaseURL() string {
	if c.Server.PublicBaseURL != "" {
		return strings.TrimRight(c.Server.PublicBaseURL, "/")
	}
	return "http://" + c.Server.ListenAddr
}

// SlogLevel maps log.level to a slog level. Unknown values map to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
