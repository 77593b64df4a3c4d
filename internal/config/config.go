// ABOUTME: Configuration loading and parsing for taskrelay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskrelay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables token auth on agent streams and the HTTP API when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	// HTTPAddr serves the WebSocket endpoint, the API, health and metrics.
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the gRPC relay stream. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Path of the SQLite ledger. Empty keeps the ledger in memory.
	Path string `yaml:"path"`
}

// AgentsConfig holds agent connection timing
type AgentsConfig struct {
	KeepaliveInterval time.Duration `yaml:"-"`
	KeepaliveTimeout  time.Duration `yaml:"-"`
	// HeartbeatInterval is what agents are expected to send at; used to flag stale agents in listings.
	HeartbeatInterval time.Duration `yaml:"-"`

	// FailPendingOnDisconnect settles a dropped agent's pending tasks immediately
	// with CLIENT_DISCONNECTED instead of letting them time out.
	FailPendingOnDisconnect bool `yaml:"fail_pending_on_disconnect"`

	// Raw string values for YAML unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
	KeepaliveTimeoutRaw  string `yaml:"keepalive_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// TasksConfig holds dispatch timing
type TasksConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`
	MaxTimeout     time.Duration `yaml:"-"`
	SettledTTL     time.Duration `yaml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout"`
	SettledTTLRaw     string `yaml:"settled_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults
const (
	DefaultHTTPAddr          = "0.0.0.0:8000"
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTaskTimeout       = 30 * time.Second
	DefaultMaxTaskTimeout    = 10 * time.Minute
	DefaultSettledTTL        = 10 * time.Minute
	DefaultMetricsPath       = "/metrics"

	// minJWTSecretLen is the shortest HS256 secret accepted.
	minJWTSecretLen = 32
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration content.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath returns the config path to use when none is given on the
// command line: $TASKRELAY_CONFIG, else $XDG_CONFIG_HOME/taskrelay/gateway.yaml,
// else ~/.config/taskrelay/gateway.yaml.
func ResolvePath() string {
	if p := os.Getenv("TASKRELAY_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskrelay", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "taskrelay", "gateway.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Agents.KeepaliveInterval == 0 {
		c.Agents.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Agents.KeepaliveTimeout == 0 {
		c.Agents.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Tasks.DefaultTimeout == 0 {
		c.Tasks.DefaultTimeout = DefaultTaskTimeout
	}
	if c.Tasks.MaxTimeout == 0 {
		c.Tasks.MaxTimeout = DefaultMaxTaskTimeout
	}
	if c.Tasks.SettledTTL == 0 {
		c.Tasks.SettledTTL = DefaultSettledTTL
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}

	if c.Tasks.DefaultTimeout < 0 || c.Tasks.MaxTimeout < 0 {
		return fmt.Errorf("tasks timeouts must not be negative")
	}
	if c.Tasks.MaxTimeout > 0 && c.Tasks.DefaultTimeout > c.Tasks.MaxTimeout {
		return fmt.Errorf("tasks.default_timeout (%s) exceeds tasks.max_timeout (%s)",
			c.Tasks.DefaultTimeout, c.Tasks.MaxTimeout)
	}

	if err := validateLogging(c.Logging); err != nil {
		return err
	}

	return nil
}

func validateLogging(l LoggingConfig) error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", l.Level)
	}
	switch l.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", l.Format)
	}
	return nil
}

// durationField pairs a raw config string with its destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func parseDurationFields(fields []durationField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	return parseDurationFields([]durationField{
		{"keepalive_interval", cfg.Agents.KeepaliveIntervalRaw, &cfg.Agents.KeepaliveInterval},
		{"keepalive_timeout", cfg.Agents.KeepaliveTimeoutRaw, &cfg.Agents.KeepaliveTimeout},
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"default_timeout", cfg.Tasks.DefaultTimeoutRaw, &cfg.Tasks.DefaultTimeout},
		{"max_timeout", cfg.Tasks.MaxTimeoutRaw, &cfg.Tasks.MaxTimeout},
		{"settled_ttl", cfg.Tasks.SettledTTLRaw, &cfg.Tasks.SettledTTL},
	})
}
