package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/proctorguard/internal/alert"
	"github.com/ppiankov/proctorguard/internal/logging"
)

// Environment variables that override the file.
const (
	EnvServerURL = "PROCTORGUARD_SERVER_URL"
	EnvLogLevel  = "LOG_LEVEL"
)

// Config is the client configuration.
type Config struct {
	ServerURL      string `yaml:"server_url"`
	SocketPath     string `yaml:"socket_path"`
	DenylistPath   string `yaml:"denylist_path"`
	AffinityScript string `yaml:"affinity_script"`
	AuditLogPath   string `yaml:"audit_log_path"`

	ViolationThreshold   int           `yaml:"violation_threshold"`
	ClipboardClearPeriod time.Duration `yaml:"clipboard_clear_period"`
	ProcessLogPeriod     time.Duration `yaml:"process_log_period"`
	AffinityTimeout      time.Duration `yaml:"affinity_timeout"`
	GraceDelay           time.Duration `yaml:"grace_delay"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`

	Alerts []alert.AlertConfig `yaml:"alerts"`
	Log    logging.Config      `yaml:"log"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:            "http://localhost:3000",
		SocketPath:           "/api/socket",
		ViolationThreshold:   3,
		ClipboardClearPeriod: 5 * time.Second,
		ProcessLogPeriod:     10 * time.Minute,
		AffinityTimeout:      5 * time.Second,
		GraceDelay:           500 * time.Millisecond,
		RequestTimeout:       15 * time.Second,
		MaxReconnectAttempts: 10,
		ReconnectDelay:       time.Second,
		Log:                  logging.Config{Level: "info", Format: "json"},
	}
}

// DefaultPath returns ~/.proctorguard/config.yaml, or "" without a home dir.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".proctorguard", "config.yaml")
}

// Load reads configuration from path (DefaultPath when empty), then applies
// a .env file from the working directory and environment overrides.
// A missing config file yields defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return DefaultConfig(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server_url %q is not an absolute URL", c.ServerURL)
	}
	if c.ViolationThreshold < 1 {
		return fmt.Errorf("violation_threshold must be at least 1, got %d", c.ViolationThreshold)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"clipboard_clear_period", c.ClipboardClearPeriod},
		{"process_log_period", c.ProcessLogPeriod},
		{"affinity_timeout", c.AffinityTimeout},
		{"grace_delay", c.GraceDelay},
		{"request_timeout", c.RequestTimeout},
		{"reconnect_delay", c.ReconnectDelay},
	}
	for _, f := range durations {
		if f.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.d)
		}
	}

	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d]: url must be set", i)
		}
	}
	return nil
}
