package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPort is used when no port is configured or the configured one is not a valid TCP port.
const DefaultPort = 14001

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "chat-server.yaml"

// Config holds the chat server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`

	Session SessionConfig `yaml:"session"`

	// ShutdownTimeout bounds how long the final notice may take to reach every client.
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	Redis RedisConfig `yaml:"redis"`

	Audit AuditConfig `yaml:"audit"`

	Logging LoggingConfig `yaml:"logging"`
}

// ListenConfig configures the transports.
type ListenConfig struct {
	Address string `yaml:"address"` // empty = all interfaces
	Port    int    `yaml:"port"`

	// WebSocket is the HTTP listen address for the WebSocket transport. Empty disables it.
	WebSocket     string `yaml:"websocket"`
	WebSocketPath string `yaml:"websocket_path"`
}

// SessionConfig configures client sessions.
type SessionConfig struct {
	IdleTimeout   string `yaml:"idle_timeout"` // "0" disables
	WriteTimeout  string `yaml:"write_timeout"`
	OutboxSize    int    `yaml:"outbox_size"`
	HistoryGreets int    `yaml:"history_greets"`
}

// RedisConfig configures the history mirror.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	HistoryMaxLen int64  `yaml:"history_max_len"`
}

// AuditConfig configures the MySQL session audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Port:          DefaultPort,
			WebSocketPath: "/ws",
		},
		Session: SessionConfig{
			IdleTimeout:  "0",
			WriteTimeout: "10s",
			OutboxSize:   64,
		},
		ShutdownTimeout: "5s",
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			HistoryMaxLen: 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create config directory")
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("CHAT_PORT"); port != "" {
		c.Listen.Port = ParsePort(port)
	}
	if addr := os.Getenv("CHAT_ADDRESS"); addr != "" {
		c.Listen.Address = addr
	}
	if addr := os.Getenv("CHAT_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if dsn := os.Getenv("CHAT_AUDIT_DSN"); dsn != "" {
		c.Audit.DSN = dsn
		c.Audit.Enabled = true
	}
}

// ParsePort converts a command line or environment port. Anything unparsable becomes -1,
// which Normalize later replaces with DefaultPort.
func ParsePort(value string) int {
	port, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return port
}

// Normalize replaces unusable listen settings with their fallbacks.
// A bad port or address never stops the server; each replacement is returned as a warning.
func (c *Config) Normalize() []string {
	var warnings []string

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		warnings = append(warnings, "The port entered is invalid. Using "+strconv.Itoa(DefaultPort)+" as default.")
		c.Listen.Port = DefaultPort
	}
	if addr := c.Listen.Address; addr != "" && addr != "localhost" && net.ParseIP(addr) == nil {
		warnings = append(warnings, "Invalid address "+strconv.Quote(addr)+", listening on all interfaces")
		c.Listen.Address = ""
	}
	if c.Session.OutboxSize <= 0 {
		warnings = append(warnings, "Invalid session outbox size, defaulting to 64")
		c.Session.OutboxSize = 64
	}
	if c.Session.HistoryGreets < 0 {
		c.Session.HistoryGreets = 0
	}
	if c.Listen.WebSocketPath == "" {
		c.Listen.WebSocketPath = "/ws"
	}

	return warnings
}

// ListenAddr returns the TCP address to bind.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Listen.Address, strconv.Itoa(c.Listen.Port))
}

// GetIdleTimeout returns the idle timeout as a duration. Zero disables it.
func (c *Config) GetIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Session.IdleTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetWriteTimeout returns the write timeout as a duration.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Session.WriteTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
