// ABOUTME: Configuration for taskrelay-agent, loaded from TOML
// ABOUTME: Shares env var expansion and raw-duration parsing with the gateway config

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// AgentConfig is the complete taskrelay-agent configuration
type AgentConfig struct {
	ServerURL string `toml:"server_url"`
	ClientID  string `toml:"client_id"`
	Token     string `toml:"token"`
	// LockFile, when set, is held for the life of the process so only one
	// agent drives a device at a time.
	LockFile string `toml:"lock_file"`

	Timing    TimingConfig     `toml:"timing"`
	Device    DeviceConfig     `toml:"device"`
	Logging   LoggingConfig    `toml:"logging"`
	Workflows []WorkflowConfig `toml:"workflows"`
}

// TimingConfig holds the agent's connection timing
type TimingConfig struct {
	ReconnectInterval  time.Duration `toml:"-"`
	HeartbeatInterval  time.Duration `toml:"-"`
	RegisterTimeout    time.Duration `toml:"-"`
	KeepaliveInterval  time.Duration `toml:"-"`
	KeepaliveTimeout   time.Duration `toml:"-"`
	MaxConflictRetries int           `toml:"max_conflict_retries"`

	ReconnectIntervalRaw string `toml:"reconnect_interval"`
	HeartbeatIntervalRaw string `toml:"heartbeat_interval"`
	RegisterTimeoutRaw   string `toml:"register_timeout"`
	KeepaliveIntervalRaw string `toml:"keepalive_interval"`
	KeepaliveTimeoutRaw  string `toml:"keepalive_timeout"`
}

// DeviceConfig is the static device description sent at registration
type DeviceConfig struct {
	Brand      string `toml:"brand"`
	Model      string `toml:"model"`
	OSVersion  string `toml:"os_version"`
	ScreenSize string `toml:"screen_size"`
}

// WorkflowConfig declares a workflow backed by an external command.
// Arguments may reference task params as {name}.
type WorkflowConfig struct {
	App     string   `toml:"app"`
	Name    string   `toml:"name"`
	Command []string `toml:"command"`
	Dir     string   `toml:"dir"`
}

// Agent defaults
const (
	DefaultReconnectInterval  = 5 * time.Second
	DefaultRegisterTimeout    = 5 * time.Second
	DefaultMaxConflictRetries = 3
)

// LoadAgent reads an agent TOML config from path.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseAgent(data)
}

// AgentOverrides replaces file values when non-empty. Command-line flags
// land here.
type AgentOverrides struct {
	ServerURL string
	ClientID  string
	Token     string
}

// Environment fallbacks for values the file leaves empty.
const (
	EnvServerURL = "TASKRELAY_SERVER_URL"
	EnvClientID  = "TASKRELAY_CLIENT_ID"
	EnvToken     = "TASKRELAY_AGENT_TOKEN"
)

// ParseAgent decodes and validates agent TOML content.
func ParseAgent(data []byte) (*AgentConfig, error) {
	return ParseAgentWithOverrides(data, AgentOverrides{})
}

// ParseAgentWithOverrides is ParseAgent with o applied before defaults and
// validation. Precedence is overrides, then the file, then the environment.
func ParseAgentWithOverrides(data []byte, o AgentOverrides) (*AgentConfig, error) {
	var cfg AgentConfig
	md, err := toml.Decode(expandEnvVars(string(data)), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	if err := parseDurationFields([]durationField{
		{"reconnect_interval", cfg.Timing.ReconnectIntervalRaw, &cfg.Timing.ReconnectInterval},
		{"heartbeat_interval", cfg.Timing.HeartbeatIntervalRaw, &cfg.Timing.HeartbeatInterval},
		{"register_timeout", cfg.Timing.RegisterTimeoutRaw, &cfg.Timing.RegisterTimeout},
		{"keepalive_interval", cfg.Timing.KeepaliveIntervalRaw, &cfg.Timing.KeepaliveInterval},
		{"keepalive_timeout", cfg.Timing.KeepaliveTimeoutRaw, &cfg.Timing.KeepaliveTimeout},
	}); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ServerURL = firstNonEmpty(o.ServerURL, cfg.ServerURL, os.Getenv(EnvServerURL))
	cfg.ClientID = firstNonEmpty(o.ClientID, cfg.ClientID, os.Getenv(EnvClientID))
	cfg.Token = firstNonEmpty(o.Token, cfg.Token, os.Getenv(EnvToken))
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *AgentConfig) applyDefaults() {
	if c.ClientID == "" {
		if host, err := os.Hostname(); err == nil {
			c.ClientID = host
		}
	}
	if c.Timing.ReconnectInterval == 0 {
		c.Timing.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Timing.HeartbeatInterval == 0 {
		c.Timing.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Timing.RegisterTimeout == 0 {
		c.Timing.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.Timing.KeepaliveInterval == 0 {
		c.Timing.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Timing.KeepaliveTimeout == 0 {
		c.Timing.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.Timing.MaxConflictRetries == 0 {
		c.Timing.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "grpc", "grpcs":
	default:
		return fmt.Errorf("server_url scheme %q is not one of ws, wss, grpc, grpcs", u.Scheme)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.Timing.MaxConflictRetries < 0 {
		return fmt.Errorf("timing.max_conflict_retries must not be negative")
	}
	for i, w := range c.Workflows {
		if w.App == "" || w.Name == "" {
			return fmt.Errorf("workflows[%d]: app and name are required", i)
		}
		if len(w.Command) == 0 {
			return fmt.Errorf("workflows[%d] (%s/%s): command is required", i, w.App, w.Name)
		}
	}
	return validateLogging(c.Logging)
}
