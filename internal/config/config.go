// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// BaseURL is the session-control HTTP surface, e.g. http://localhost:8080.
	BaseURL string `yaml:"base_url"`
	// StreamURL is the websocket endpoint for terminal streams. When empty
	// it is derived from BaseURL (http->ws scheme swap).
	StreamURL string `yaml:"stream_url"`
	// DBPath is the local SQLite database holding sync state.
	DBPath string `yaml:"db_path"`
	// WorkspaceDir is watched for local file edits.
	WorkspaceDir string `yaml:"workspace_dir"`
	// UserID identifies this client for session reconnection.
	UserID string `yaml:"user_id"`

	Poll  PollConfig  `yaml:"poll"`
	Retry RetryConfig `yaml:"retry"`
}

// PollConfig controls the session readiness poll.
type PollConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// RetryConfig controls the retry dispatcher.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// Load reads configuration from an optional YAML file, then overlays
// environment variables. Environment always wins so deployments can
// override a checked-in config file.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:      "http://localhost:8080",
		DBPath:       "./data/podctl.db",
		WorkspaceDir: "",
		Poll: PollConfig{
			MaxAttempts: 30,
			Interval:    2 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
	}

	if path := configFilePath(); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.BaseURL = getEnv("PODCTL_BASE_URL", cfg.BaseURL)
	cfg.StreamURL = getEnv("PODCTL_STREAM_URL", cfg.StreamURL)
	cfg.DBPath = getEnv("PODCTL_DB_PATH", cfg.DBPath)
	cfg.WorkspaceDir = getEnv("PODCTL_WORKSPACE", cfg.WorkspaceDir)
	cfg.UserID = getEnv("PODCTL_USER_ID", cfg.UserID)
	cfg.Poll.MaxAttempts = getEnvInt("PODCTL_POLL_MAX_ATTEMPTS", cfg.Poll.MaxAttempts)
	cfg.Poll.Interval = getEnvDuration("PODCTL_POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Retry.MaxRetries = getEnvInt("PODCTL_RETRY_MAX", cfg.Retry.MaxRetries)
	cfg.Retry.BaseDelay = getEnvDuration("PODCTL_RETRY_BASE_DELAY", cfg.Retry.BaseDelay)

	if cfg.StreamURL == "" {
		cfg.StreamURL = deriveStreamURL(cfg.BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// configFilePath returns the config file location, honoring an explicit
// PODCTL_CONFIG override and falling back to the XDG config dir.
func configFilePath() string {
	if path := os.Getenv("PODCTL_CONFIG"); path != "" {
		return path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "podctl", "podctl.yaml")
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("poll max attempts must be > 0")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max must be >= 0")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be > 0")
	}
	return nil
}

// deriveStreamURL maps the HTTP base onto the websocket scheme.
func deriveStreamURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws/terminal"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws/terminal"
	default:
		return baseURL + "/ws/terminal"
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
