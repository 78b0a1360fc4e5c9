// Package config handles configuration loading from TOML files, environment
// variables and command line overrides.
// CRC: crc-Config.md
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Transport names accepted in ConnectionConfig.Transports.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Config holds all configuration settings for the sync client.
type Config struct {
	Connection ConnectionConfig `toml:"connection"`
	Pull       PullConfig       `toml:"pull"`
	Feed       FeedConfig       `toml:"feed"`
	Sync       SyncConfig       `toml:"sync"`
	Logging    LoggingConfig    `toml:"logging"`

	logger *zap.Logger
}

// ConnectionConfig holds push connection settings.
type ConnectionConfig struct {
	URL              string   `toml:"url"`
	Transports       []string `toml:"transports"` // preference order
	InitialBackoff   Duration `toml:"initial_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
	MaxAttempts      int      `toml:"max_attempts"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
}

// PullConfig holds settings for the paginated request/response API.
type PullConfig struct {
	BaseURL   string   `toml:"base_url"`
	PageSize  int      `toml:"page_size"`
	Timeout   Duration `toml:"timeout"`
	RateLimit float64  `toml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int      `toml:"burst"`
}

// FeedConfig holds feed view defaults.
type FeedConfig struct {
	Capacity int    `toml:"capacity"`
	Filter   string `toml:"filter"` // Lua boolean expression over item
}

// SyncConfig holds settings for the derived synchronizers and reconnect policy.
type SyncConfig struct {
	ResubscribeOnReconnect bool `toml:"resubscribe_on_reconnect"`
	NotificationCapacity   int  `toml:"notification_capacity"`
	SupportCapacity        int  `toml:"support_capacity"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=connections, 2=messages, 3=payloads
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			URL:              "ws://localhost:3000/realtime",
			Transports:       []string{TransportWebSocket, TransportPolling},
			InitialBackoff:   Duration(time.Second),
			MaxBackoff:       Duration(5 * time.Second),
			MaxAttempts:      10,
			HandshakeTimeout: Duration(20 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
		},
		Pull: PullConfig{
			BaseURL:   "http://localhost:3000/api",
			PageSize:  20,
			Timeout:   Duration(15 * time.Second),
			RateLimit: 5,
			Burst:     5,
		},
		Feed: FeedConfig{
			Capacity: 200,
		},
		Sync: SyncConfig{
			ResubscribeOnReconnect: true,
			NotificationCapacity:   50,
			SupportCapacity:        100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
	}
}

// Load loads configuration from an optional TOML file and the environment.
// Priority: env vars > TOML file > defaults. Command line overrides are
// applied by the caller after Load.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadTOML(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LIVEFEED_URL"); v != "" {
		c.Connection.URL = v
	}
	if v := os.Getenv("LIVEFEED_TRANSPORTS"); v != "" {
		c.Connection.Transports = splitList(v)
	}
	if v := os.Getenv("LIVEFEED_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Connection.MaxAttempts = n
		}
	}
	if v := os.Getenv("LIVEFEED_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Connection.HandshakeTimeout = Duration(d)
		}
	}
	if v := os.Getenv("LIVEFEED_API"); v != "" {
		c.Pull.BaseURL = v
	}
	if v := os.Getenv("LIVEFEED_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pull.PageSize = n
		}
	}
	if v := os.Getenv("LIVEFEED_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Feed.Capacity = n
		}
	}
	if v := os.Getenv("LIVEFEED_FILTER"); v != "" {
		c.Feed.Filter = v
	}
	if v := os.Getenv("LIVEFEED_RESUBSCRIBE"); v != "" {
		c.Sync.ResubscribeOnReconnect = v == "true" || v == "1"
	}
	if v := os.Getenv("LIVEFEED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIVEFEED_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = n
		}
	}
}

// Validate checks the settings that would otherwise break invariants at runtime.
func (c *Config) Validate() error {
	if len(c.Connection.Transports) == 0 {
		return fmt.Errorf("config: connection.transports is empty")
	}
	for _, t := range c.Connection.Transports {
		if t != TransportWebSocket && t != TransportPolling {
			return fmt.Errorf("config: unknown transport %q", t)
		}
	}
	if c.Connection.MaxAttempts <= 0 {
		return fmt.Errorf("config: connection.max_attempts must be positive")
	}
	if c.Connection.InitialBackoff <= 0 || c.Connection.MaxBackoff < c.Connection.InitialBackoff {
		return fmt.Errorf("config: backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Connection.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: connection.handshake_timeout must be positive")
	}
	if c.Pull.PageSize <= 0 {
		return fmt.Errorf("config: pull.page_size must be positive")
	}
	if c.Feed.Capacity <= 0 {
		return fmt.Errorf("config: feed.capacity must be positive")
	}
	if c.Sync.NotificationCapacity <= 0 || c.Sync.SupportCapacity <= 0 {
		return fmt.Errorf("config: sync capacities must be positive")
	}
	return nil
}

// Verbosity returns the configured verbosity level (0-3).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Logger returns the process logger, building it from Logging.Level on first use.
// An unparseable level falls back to info.
func (c *Config) Logger() *zap.Logger {
	if c.logger != nil {
		return c.logger
	}
	logger, err := NewLogger(c.Logging.Level)
	if err != nil {
		logger, _ = NewLogger("info")
	}
	c.logger = logger
	return logger
}

// SetLogger replaces the process logger (tests use zap.NewNop()).
func (c *Config) SetLogger(logger *zap.Logger) {
	c.logger = logger
}

// Log logs a message at Info when verbosity is at least level, so wire
// tracing shows without lowering the log level.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c.Logging.Verbosity >= level {
		c.Logger().Sugar().Infof(format, args...)
	}
}

func splitList(v string) []string {
	var result []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
