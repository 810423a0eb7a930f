// ABOUTME: Configuration loading and parsing for locus-dm
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "LOCUS_DM_CONFIG"

// minSecretLength mirrors auth.MinSecretLength.
const minSecretLength = 32

// Config represents the complete locus-dm configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Redis         RedisConfig         `yaml:"redis" toml:"redis"`
	Presence      PresenceConfig      `yaml:"presence" toml:"presence"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Inbox         InboxConfig         `yaml:"inbox" toml:"inbox"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`

	// Timeout bounds every store call made on behalf of a request.
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret enables the X-Participant-ID development header.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RedisConfig holds the shared Redis connection used by presence and the asynq queue
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
}

// PresenceConfig controls online detection
type PresenceConfig struct {
	Backend string        `yaml:"backend" toml:"backend"` // local, redis
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
}

// NotificationsConfig holds new-message notification settings
type NotificationsConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Transport   string `yaml:"transport" toml:"transport"` // log, smtp, matrix
	Queue       string `yaml:"queue" toml:"queue"`         // memory, asynq
	Workers     int    `yaml:"workers" toml:"workers"`
	QueueSize   int    `yaml:"queue_size" toml:"queue_size"`
	MaxAttempts int    `yaml:"max_attempts" toml:"max_attempts"`
	SkipOnline  bool   `yaml:"skip_online" toml:"skip_online"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	Backoff    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
	BackoffRaw string        `yaml:"backoff" toml:"backoff"`

	SMTP   SMTPConfig   `yaml:"smtp" toml:"smtp"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// SMTPConfig holds outgoing mail settings
type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
}

// MatrixConfig holds the Matrix bot account used for notifications
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
}

// InboxConfig bounds the conversation list enrichment
type InboxConfig struct {
	Concurrency          int           `yaml:"concurrency" toml:"concurrency"`
	EnrichmentTimeout    time.Duration `yaml:"-" toml:"-"`
	EnrichmentTimeoutRaw string        `yaml:"enrichment_timeout" toml:"enrichment_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config file location: $LOCUS_DM_CONFIG, then
// $XDG_CONFIG_HOME/locus-dm/config.yaml, then ~/.config/locus-dm/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "locus-dm", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "locus-dm", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "locus-dm.db"
	}
	if c.Database.Timeout == 0 {
		c.Database.Timeout = 5 * time.Second
	}
	if c.Presence.Backend == "" {
		c.Presence.Backend = "local"
	}
	if c.Presence.TTL == 0 {
		c.Presence.TTL = 2 * time.Minute
	}

	n := &c.Notifications
	if n.Transport == "" {
		n.Transport = "log"
	}
	if n.Queue == "" {
		n.Queue = "memory"
	}
	if n.Workers == 0 {
		n.Workers = 2
	}
	if n.QueueSize == 0 {
		n.QueueSize = 256
	}
	if n.MaxAttempts == 0 {
		n.MaxAttempts = 3
	}
	if n.Timeout == 0 {
		n.Timeout = 10 * time.Second
	}
	if n.Backoff == 0 {
		n.Backoff = time.Second
	}
	if n.BaseURL == "" {
		n.BaseURL = "http://localhost:3000"
	}
	if n.SMTP.Port == 0 {
		n.SMTP.Port = 587
	}

	if c.Inbox.Concurrency == 0 {
		c.Inbox.Concurrency = 8
	}
	if c.Inbox.EnrichmentTimeout == 0 {
		c.Inbox.EnrichmentTimeout = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}

	switch c.Presence.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when presence.backend is redis")
		}
	default:
		return fmt.Errorf("presence.backend must be local or redis, got %q", c.Presence.Backend)
	}

	if err := c.Notifications.validate(c.Redis); err != nil {
		return err
	}

	if c.Inbox.Concurrency < 0 {
		return fmt.Errorf("inbox.concurrency must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (n *NotificationsConfig) validate(redis RedisConfig) error {
	if !n.Enabled {
		return nil
	}

	switch n.Transport {
	case "log":
	case "smtp":
		if n.SMTP.Host == "" {
			return fmt.Errorf("notifications.smtp.host is required for the smtp transport")
		}
		if n.SMTP.From == "" {
			return fmt.Errorf("notifications.smtp.from is required for the smtp transport")
		}
	case "matrix":
		if n.Matrix.Homeserver == "" || n.Matrix.UserID == "" || n.Matrix.AccessToken == "" {
			return fmt.Errorf("notifications.matrix.homeserver, user_id and access_token are required for the matrix transport")
		}
		if _, err := url.Parse(n.Matrix.Homeserver); err != nil {
			return fmt.Errorf("notifications.matrix.homeserver is not a valid URL: %w", err)
		}
	default:
		return fmt.Errorf("notifications.transport must be log, smtp or matrix, got %q", n.Transport)
	}

	switch n.Queue {
	case "memory":
	case "asynq":
		if redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when notifications.queue is asynq")
		}
	default:
		return fmt.Errorf("notifications.queue must be memory or asynq, got %q", n.Queue)
	}

	if n.MaxAttempts < 1 {
		return fmt.Errorf("notifications.max_attempts must be at least 1")
	}

	u, err := url.Parse(n.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("notifications.base_url must be an http or https URL")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.timeout", cfg.Database.TimeoutRaw, &cfg.Database.Timeout},
		{"presence.ttl", cfg.Presence.TTLRaw, &cfg.Presence.TTL},
		{"notifications.timeout", cfg.Notifications.TimeoutRaw, &cfg.Notifications.Timeout},
		{"notifications.backoff", cfg.Notifications.BackoffRaw, &cfg.Notifications.Backoff},
		{"inbox.enrichment_timeout", cfg.Inbox.EnrichmentTimeoutRaw, &cfg.Inbox.EnrichmentTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
