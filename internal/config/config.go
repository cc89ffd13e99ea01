package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from YAML with environment
// overrides for the values most often set in deployment.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Auth    AuthConfig    `yaml:"auth"`
	Data    DataConfig    `yaml:"data"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Logging LoggingConfig `yaml:"logging"`
}

type ListenConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	SocketPath string `yaml:"socket_path"` // unix socket; empty disables
	SocketMode string `yaml:"socket_mode"` // octal string, e.g. "0660"
}

type AuthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DefaultUser string `yaml:"default_user"` // identity when auth is disabled
	CookieTTLH  int    `yaml:"cookie_ttl_hours"`
	// TrustProxyHeaders enables X-Forwarded-* based cookie security decisions.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

type DataConfig struct {
	Dir string `yaml:"dir"` // secret file, notifications, transcripts, sqlite DB
}

type ProxyConfig struct {
	// RequestsPerSec is the per-session service-proxy rate limit.
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if dir := os.Getenv("TERMSTATION_DATA_DIR"); dir != "" {
		cfg.Data.Dir = dir
	}
	if host := os.Getenv("TERMSTATION_HOST"); host != "" {
		cfg.Listen.Host = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Listen: ListenConfig{Host: "127.0.0.1", Port: 8080},
		Auth:   AuthConfig{Enabled: true, DefaultUser: "admin", CookieTTLH: 24},
		Data:   DataConfig{Dir: filepath.Join(home, ".termstation")},
		Proxy:  ProxyConfig{RequestsPerSec: 20, Burst: 40},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	if c.Listen.Port == 0 && c.Listen.SocketPath == "" {
		return fmt.Errorf("no listener configured: set listen.port or listen.socket_path")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.Proxy.RequestsPerSec <= 0 {
		return fmt.Errorf("proxy.requests_per_sec must be positive")
	}
	return nil
}

// UsersPath returns the path of users.json inside the data directory.
func (c *Config) UsersPath() string { return filepath.Join(c.Data.Dir, "users.json") }

// GroupsPath returns the path of groups.json inside the data directory.
func (c *Config) GroupsPath() string { return filepath.Join(c.Data.Dir, "groups.json") }

// NotificationsPath returns the path of the notification store file.
func (c *Config) NotificationsPath() string { return filepath.Join(c.Data.Dir, "notifications.json") }

// SecretPath returns the path of the signing secret file.
func (c *Config) SecretPath() string { return filepath.Join(c.Data.Dir, "session-secret.key") }

// DBPath returns the sqlite database path.
func (c *Config) DBPath() string { return filepath.Join(c.Data.Dir, "termstation.db") }

// TranscriptDir returns the directory holding per-session transcripts.
func (c *Config) TranscriptDir() string { return filepath.Join(c.Data.Dir, "transcripts") }
