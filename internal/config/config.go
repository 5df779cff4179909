// ABOUTME: Configuration loading and parsing for mcp-relay.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Broker   BrokerConfig   `yaml:"broker"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener configuration. WebSocket endpoints and the
// health/stats API share one HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	PingInterval    time.Duration `yaml:"-"`
	PingIntervalRaw string        `yaml:"ping_interval"`
}

// AuthConfig holds token resolution configuration. When JWTSecret is empty
// the token query parameter is taken verbatim as the agent ID.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BrokerConfig holds call correlation timing configuration.
type BrokerConfig struct {
	CallTimeout      time.Duration `yaml:"-"`
	BroadcastTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CallTimeoutRaw      string `yaml:"call_timeout"`
	BroadcastTimeoutRaw string `yaml:"broadcast_timeout"`
}

// SecurityConfig gates the health/stats read interface.
type SecurityConfig struct {
	StatsKey string `yaml:"stats_key"`
}

// LoggingConfig holds logging configuration. When File is set, logs are
// additionally written there with size-based rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills timing values that were not configured.
func (c *Config) applyDefaults() {
	if c.Broker.CallTimeout == 0 {
		c.Broker.CallTimeout = 30 * time.Second
	}
	if c.Broker.BroadcastTimeout == 0 {
		c.Broker.BroadcastTimeout = 15 * time.Second
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 30 * time.Second
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Broker.CallTimeout < 0 || c.Broker.BroadcastTimeout < 0 {
		return fmt.Errorf("broker timeouts must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Broker.CallTimeoutRaw != "" {
		cfg.Broker.CallTimeout, err = time.ParseDuration(cfg.Broker.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing call_timeout %q: %w", cfg.Broker.CallTimeoutRaw, err)
		}
	}

	if cfg.Broker.BroadcastTimeoutRaw != "" {
		cfg.Broker.BroadcastTimeout, err = time.ParseDuration(cfg.Broker.BroadcastTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing broadcast_timeout %q: %w", cfg.Broker.BroadcastTimeoutRaw, err)
		}
	}

	if cfg.Server.PingIntervalRaw != "" {
		cfg.Server.PingInterval, err = time.ParseDuration(cfg.Server.PingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing ping_interval %q: %w", cfg.Server.PingIntervalRaw, err)
		}
	}

	return nil
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{ListenAddr: "127.0.0.1:8004"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	cfg.applyDefaults()
	return cfg
}
