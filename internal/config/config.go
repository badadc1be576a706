// Package config loads the client configuration. The file lives at
// ~/.chattabs/config.yaml by default and may be YAML or TOML, chosen by
// extension. Command line flags take precedence over file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ServerEnv overrides the server URL when no --server flag is given
const ServerEnv = "CHATTABS_SERVER"

const maxRetryAttempts = 10

// Config is the client configuration
type Config struct {
	// Server is the base URL of the chat server.
	// Default: http://localhost:8080
	Server string `yaml:"server" toml:"server"`

	// BasePath is the API prefix in front of /chats.
	// Default: /api
	BasePath string `yaml:"base_path" toml:"base_path"`

	// Model is forwarded with every send when set
	Model string `yaml:"model" toml:"model"`

	// TimeoutSeconds bounds every non-streaming request.
	// Default: 30
	TimeoutSeconds int `yaml:"timeout_seconds" toml:"timeout_seconds"`

	// RetryAttempts is how often the startup listing is retried.
	// Default: 3
	RetryAttempts int `yaml:"retry_attempts" toml:"retry_attempts"`

	// RetryDelayMs is the fixed delay between startup retries.
	// Default: 2000
	RetryDelayMs int `yaml:"retry_delay_ms" toml:"retry_delay_ms"`

	// CachePath is the SQLite transcript cache.
	// Default: ~/.chattabs/cache.db
	CachePath string `yaml:"cache_path" toml:"cache_path"`

	// LogLevel is one of debug, info, warn, error.
	// Default: info
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// DefaultTitle names newly created chats.
	// Default: New Chat
	DefaultTitle string `yaml:"default_title" toml:"default_title"`
}

// Dir returns ~/.chattabs
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chattabs"), nil
}

// DefaultConfigPath returns ~/.chattabs/config.yaml
func DefaultConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Default returns the built-in configuration
func Default() *Config {
	cachePath := "chattabs-cache.db"
	if dir, err := Dir(); err == nil {
		cachePath = filepath.Join(dir, "cache.db")
	}
	return &Config{
		Server:         "http://localhost:8080",
		BasePath:       "/api",
		TimeoutSeconds: 30,
		RetryAttempts:  3,
		RetryDelayMs:   2000,
		CachePath:      cachePath,
		LogLevel:       "info",
		DefaultTitle:   "New Chat",
	}
}

// Load reads the config file at path over the defaults.
//
// An empty path loads the default location and yields the defaults when that
// file does not exist. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// ApplyEnv overrides the server from the environment
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(ServerEnv)); v != "" {
		c.Server = v
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", c.Server)
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base path must start with '/': %q", c.BasePath)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.TimeoutSeconds)
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > maxRetryAttempts {
		return fmt.Errorf("retry attempts must be between 0 and %d, got %d", maxRetryAttempts, c.RetryAttempts)
	}
	if c.RetryDelayMs < 0 {
		return fmt.Errorf("retry delay must not be negative, got %d", c.RetryDelayMs)
	}
	return nil
}

// Timeout returns TimeoutSeconds as a duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryDelay returns RetryDelayMs as a duration
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// WriteDefault writes a commented config file at path. An existing file is
// left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	def := Default()
	content := fmt.Sprintf(`# chattabs configuration

# Chat server and API prefix
server: %q
base_path: %q

# Request timeout in seconds (streams are not bounded)
timeout_seconds: %d

# Startup retries when the server is unreachable
retry_attempts: %d
retry_delay_ms: %d

log_level: %q
default_title: %q
`, def.Server, def.BasePath, def.TimeoutSeconds, def.RetryAttempts, def.RetryDelayMs, def.LogLevel, def.DefaultTitle)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
