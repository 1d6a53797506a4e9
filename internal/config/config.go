// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Database      DatabaseConfig           `yaml:"database"`
	Sessions      SessionsConfig           `yaml:"sessions"`
	Conversations ConversationsConfig      `yaml:"conversations"`
	Publisher     PublisherConfig          `yaml:"publisher"`
	Channels      map[string]ChannelConfig `yaml:"channels"`
	Ticketing     TicketingConfig          `yaml:"ticketing"`
	Logging       LoggingConfig            `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds durable store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds idle reaping configuration for live sessions.
type SessionsConfig struct {
	IdleThreshold time.Duration `yaml:"-"`
	SweepPeriod   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleThresholdRaw string `yaml:"idle_threshold"`
	SweepPeriodRaw   string `yaml:"sweep_period"`
}

// ConversationsConfig holds conversation state machine tuning.
type ConversationsConfig struct {
	MaxRegenerate int `yaml:"max_regenerate"`
}

// PublisherConfig holds the outbound event publisher pool configuration.
type PublisherConfig struct {
	URL         string `yaml:"url"`
	Queue       string `yaml:"queue"`
	PoolSize    int    `yaml:"pool_size"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// ChannelConfig holds per-channel dial configuration. The endpoint template
// contains an {id} placeholder replaced with the external identity at dial time.
type ChannelConfig struct {
	Enabled          bool   `yaml:"enabled"`
	EndpointTemplate string `yaml:"endpoint_template"`
}

// TicketingConfig holds the external ticketing system client configuration.
// The client is disabled when BaseURL is empty.
type TicketingConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding field is absent from the file.
const (
	DefaultIdleThreshold = 10 * time.Minute
	DefaultSweepPeriod   = 30 * time.Second
	DefaultPoolSize      = 4
	DefaultMaxAttempts   = 3
	DefaultMaxRegenerate = 3
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued tunables with their defaults.
func (c *Config) applyDefaults() {
	if c.Sessions.IdleThreshold == 0 {
		c.Sessions.IdleThreshold = DefaultIdleThreshold
	}
	if c.Sessions.SweepPeriod == 0 {
		c.Sessions.SweepPeriod = DefaultSweepPeriod
	}
	if c.Publisher.PoolSize == 0 {
		c.Publisher.PoolSize = DefaultPoolSize
	}
	if c.Publisher.MaxAttempts == 0 {
		c.Publisher.MaxAttempts = DefaultMaxAttempts
	}
	if c.Conversations.MaxRegenerate == 0 {
		c.Conversations.MaxRegenerate = DefaultMaxRegenerate
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Publisher.URL == "" {
		return fmt.Errorf("publisher.url is required")
	}
	if c.Publisher.Queue == "" {
		return fmt.Errorf("publisher.queue is required")
	}
	if c.Publisher.PoolSize < 1 {
		return fmt.Errorf("publisher.pool_size must be at least 1, got %d", c.Publisher.PoolSize)
	}

	for name, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		if ch.EndpointTemplate == "" {
			return fmt.Errorf("channels.%s.endpoint_template is required when enabled", name)
		}
		if !strings.Contains(ch.EndpointTemplate, "{id}") {
			return fmt.Errorf("channels.%s.endpoint_template must contain an {id} placeholder", name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.IdleThresholdRaw != "" {
		cfg.Sessions.IdleThreshold, err = time.ParseDuration(cfg.Sessions.IdleThresholdRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_threshold %q: %w", cfg.Sessions.IdleThresholdRaw, err)
		}
	}

	if cfg.Sessions.SweepPeriodRaw != "" {
		cfg.Sessions.SweepPeriod, err = time.ParseDuration(cfg.Sessions.SweepPeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_period %q: %w", cfg.Sessions.SweepPeriodRaw, err)
		}
	}

	return nil
}
