// Package config holds the client configuration surface: connection
// endpoint, heartbeat and reconnection tuning, persistence locations, and
// logging. Configuration is read from a JSON file with optional environment
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration
type Config struct {
	// ServerURL is the websocket endpoint of the collaboration server.
	ServerURL string `json:"server_url"`

	// Identity used for the auth handshake. May be empty until the user
	// signs in.
	UserID   string `json:"user_id,omitempty"`
	FullName string `json:"full_name,omitempty"`

	PingIntervalMS       int  `json:"ping_interval_ms"`
	ReconnectBaseDelayMS int  `json:"reconnect_base_delay_ms"`
	MaxReconnectAttempts int  `json:"max_reconnect_attempts"`
	ConnectTimeoutMS     int  `json:"connect_timeout_ms"`
	AutoConnect          bool `json:"auto_connect"`

	// ActiveUserWindowMinutes is the recency threshold used to derive the
	// active-user set from presence history.
	ActiveUserWindowMinutes int `json:"active_user_window_minutes"`

	// PersistCoalesceMS coalesces store writes that happen within the given
	// window. Zero flushes on every mutation.
	PersistCoalesceMS int `json:"persist_coalesce_ms"`

	StorePath string `json:"store_path"`
	LogLevel  string `json:"log_level"` // debug, info, warn, error, none
	LogPath   string `json:"-"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()
	return &Config{
		ServerURL:               "ws://localhost:8080/ws",
		PingIntervalMS:          30000,
		ReconnectBaseDelayMS:    5000,
		MaxReconnectAttempts:    5,
		ConnectTimeoutMS:        5000,
		AutoConnect:             true,
		ActiveUserWindowMinutes: 30,
		PersistCoalesceMS:       0,
		StorePath:               filepath.Join(stateDir, "collabchat.db"),
		LogLevel:                "info",
		LogPath:                 filepath.Join(stateDir, "collabchat.log"),
	}
}

func defaultStateDir() string {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "collabchat")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "state", "collabchat")
}

// Load reads configuration from the given JSON file, falling back to
// defaults for a missing file, then applies environment overrides. A .env
// file in the working directory is honored if present.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run, defaults apply
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// .env is optional; ignore a missing file
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the given path as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// applyEnv overrides fields from COLLABCHAT_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("COLLABCHAT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("COLLABCHAT_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("COLLABCHAT_FULL_NAME"); v != "" {
		c.FullName = v
	}
	if v := os.Getenv("COLLABCHAT_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("COLLABCHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	envInt("COLLABCHAT_PING_INTERVAL_MS", &c.PingIntervalMS)
	envInt("COLLABCHAT_RECONNECT_BASE_DELAY_MS", &c.ReconnectBaseDelayMS)
	envInt("COLLABCHAT_MAX_RECONNECT_ATTEMPTS", &c.MaxReconnectAttempts)
	envInt("COLLABCHAT_CONNECT_TIMEOUT_MS", &c.ConnectTimeoutMS)
	envInt("COLLABCHAT_ACTIVE_USER_WINDOW_MINUTES", &c.ActiveUserWindowMinutes)
	if v := os.Getenv("COLLABCHAT_AUTO_CONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoConnect = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if c.PingIntervalMS <= 0 {
		return fmt.Errorf("ping_interval_ms must be positive, got %d", c.PingIntervalMS)
	}
	if c.ReconnectBaseDelayMS <= 0 {
		return fmt.Errorf("reconnect_base_delay_ms must be positive, got %d", c.ReconnectBaseDelayMS)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	if c.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("connect_timeout_ms must be positive, got %d", c.ConnectTimeoutMS)
	}
	if c.ActiveUserWindowMinutes <= 0 {
		return fmt.Errorf("active_user_window_minutes must be positive, got %d", c.ActiveUserWindowMinutes)
	}
	return nil
}

// PingInterval returns the heartbeat interval as a Duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// ReconnectBaseDelay returns the backoff base delay as a Duration.
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

// ConnectTimeout returns the connection-attempt timeout as a Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// ActiveUserWindow returns the active-user recency threshold as a Duration.
func (c *Config) ActiveUserWindow() time.Duration {
	return time.Duration(c.ActiveUserWindowMinutes) * time.Minute
}

// PersistCoalesce returns the store write coalescing window as a Duration.
func (c *Config) PersistCoalesce() time.Duration {
	return time.Duration(c.PersistCoalesceMS) * time.Millisecond
}
