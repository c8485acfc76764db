// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Relay     RelayConfig     `yaml:"relay"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the inbound HTTP listener configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig holds the conversational-agent backend configuration
type BackendConfig struct {
	BaseURL   string `yaml:"base_url"`
	Secret    string `yaml:"secret"`
	AgentName string `yaml:"agent_name"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// RelayConfig holds the poll-loop and session lifecycle timing
type RelayConfig struct {
	PollInterval        time.Duration `yaml:"-"`
	ResponseTimeout     time.Duration `yaml:"-"`
	SessionIdleEviction time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw        string `yaml:"poll_interval"`
	ResponseTimeoutRaw     string `yaml:"response_timeout"`
	SessionIdleEvictionRaw string `yaml:"session_idle_eviction"`
}

// MaxAttempts returns the number of poll attempts that fit in the
// response timeout budget, never less than one.
func (r RelayConfig) MaxAttempts() int {
	if r.PollInterval <= 0 {
		return 1
	}
	n := int(r.ResponseTimeout / r.PollInterval)
	if n < 1 {
		return 1
	}
	return n
}

// AuthConfig holds inbound API authentication configuration.
// Mode selects the verifier: "none", "jwt" or "static".
type AuthConfig struct {
	Mode         string   `yaml:"mode"`
	JWTSecret    string   `yaml:"jwt_secret"`
	StaticTokens []string `yaml:"static_tokens"` // bcrypt hashes
}

// StoreConfig holds the optional transcript store configuration.
// An empty path disables the store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DedupeConfig holds the inbound delivery dedupe configuration.
// An empty redis_addr selects the in-memory guard.
type DedupeConfig struct {
	MaxSize   int    `yaml:"max_size"`
	RedisAddr string `yaml:"redis_addr"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default timing values applied when the config file leaves them unset.
const (
	DefaultPollInterval        = 1 * time.Second
	DefaultResponseTimeout     = 10 * time.Second
	DefaultSessionIdleEviction = 30 * time.Minute
	DefaultRequestTimeout      = 15 * time.Second
	DefaultDedupeTTL           = 5 * time.Minute
	DefaultDedupeMaxSize       = 10000
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued timing and sizing fields.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = DefaultRequestTimeout
	}
	if c.Relay.PollInterval == 0 {
		c.Relay.PollInterval = DefaultPollInterval
	}
	if c.Relay.ResponseTimeout == 0 {
		c.Relay.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Relay.SessionIdleEviction == 0 {
		c.Relay.SessionIdleEviction = DefaultSessionIdleEviction
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeMaxSize
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
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
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.AgentName == "" {
		return fmt.Errorf("backend.agent_name is required")
	}

	if c.Relay.PollInterval <= 0 {
		return fmt.Errorf("relay.poll_interval must be positive")
	}
	if c.Relay.ResponseTimeout < c.Relay.PollInterval {
		return fmt.Errorf("relay.response_timeout must be at least relay.poll_interval")
	}

	switch c.Auth.Mode {
	case "none":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth.mode is jwt")
		}
	case "static":
		if len(c.Auth.StaticTokens) == 0 {
			return fmt.Errorf("auth.static_tokens is required when auth.mode is static")
		}
	default:
		return fmt.Errorf("auth.mode must be one of none, jwt, static (got %q)", c.Auth.Mode)
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Backend.RequestTimeoutRaw != "" {
		cfg.Backend.RequestTimeout, err = time.ParseDuration(cfg.Backend.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Backend.RequestTimeoutRaw, err)
		}
	}

	if cfg.Relay.PollIntervalRaw != "" {
		cfg.Relay.PollInterval, err = time.ParseDuration(cfg.Relay.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Relay.PollIntervalRaw, err)
		}
	}

	if cfg.Relay.ResponseTimeoutRaw != "" {
		cfg.Relay.ResponseTimeout, err = time.ParseDuration(cfg.Relay.ResponseTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing response_timeout %q: %w", cfg.Relay.ResponseTimeoutRaw, err)
		}
	}

	if cfg.Relay.SessionIdleEvictionRaw != "" {
		cfg.Relay.SessionIdleEviction, err = time.ParseDuration(cfg.Relay.SessionIdleEvictionRaw)
		if err != nil {
			return fmt.Errorf("parsing session_idle_eviction %q: %w", cfg.Relay.SessionIdleEvictionRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
