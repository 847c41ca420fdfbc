// Package config loads tool configuration from an optional YAML file and
// environment variables. Environment variables override file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all devpush configuration.
type Config struct {
	// ServiceURL is the websocket address of the running application's
	// service protocol, e.g. ws://127.0.0.1:8181/ws.
	ServiceURL string

	// Entrypoint is the application entry source handed to the compiler.
	Entrypoint string

	// AssetDir is the root of the asset bundle pushed alongside code.
	AssetDir string

	// WatchDir is the source tree watched for changes; defaults to the
	// entrypoint's directory.
	WatchDir string

	// FSName names the remote filesystem session. Empty means a generated
	// unique name.
	FSName string

	// Compiler is the resident incremental compiler binary.
	Compiler     string
	CompilerArgs []string

	// Logging
	LogLevel  string
	LogFormat string

	// MetricsAddr exposes Prometheus metrics when non-empty.
	MetricsAddr string

	// Transport tuning.
	MaxInFlight   int
	RetryAttempts int
	RetryDelay    time.Duration
	AckTimeout    time.Duration

	// WatchDebounce coalesces change bursts before triggering a reload.
	WatchDebounce time.Duration
}

// fileConfig is the YAML representation. Durations are integers to keep
// the file format unambiguous.
type fileConfig struct {
	ServiceURL      string   `yaml:"service_url"`
	Entrypoint      string   `yaml:"entrypoint"`
	AssetDir        string   `yaml:"asset_dir"`
	WatchDir        string   `yaml:"watch_dir"`
	FSName          string   `yaml:"fs_name"`
	Compiler        string   `yaml:"compiler"`
	CompilerArgs    []string `yaml:"compiler_args"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	MaxInFlight     int      `yaml:"max_in_flight"`
	RetryAttempts   int      `yaml:"retry_attempts"`
	RetryDelayMS    int      `yaml:"retry_delay_ms"`
	AckTimeoutSec   int      `yaml:"ack_timeout_sec"`
	WatchDebounceMS int      `yaml:"watch_debounce_ms"`
}

// Load reads configuration from the YAML file at path (if non-empty),
// applies environment overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg := &Config{
		ServiceURL:    envOr("DEVPUSH_SERVICE_URL", fc.ServiceURL),
		Entrypoint:    envOr("DEVPUSH_ENTRYPOINT", fc.Entrypoint),
		AssetDir:      envOr("DEVPUSH_ASSET_DIR", fc.AssetDir),
		WatchDir:      envOr("DEVPUSH_WATCH_DIR", fc.WatchDir),
		FSName:        envOr("DEVPUSH_FS_NAME", fc.FSName),
		Compiler:      envOr("DEVPUSH_COMPILER", fc.Compiler),
		CompilerArgs:  fc.CompilerArgs,
		LogLevel:      envOr("DEVPUSH_LOG_LEVEL", fc.LogLevel),
		LogFormat:     envOr("DEVPUSH_LOG_FORMAT", fc.LogFormat),
		MetricsAddr:   envOr("DEVPUSH_METRICS_ADDR", fc.MetricsAddr),
		MaxInFlight:   envInt("DEVPUSH_MAX_IN_FLIGHT", fc.MaxInFlight),
		RetryAttempts: envInt("DEVPUSH_RETRY_ATTEMPTS", fc.RetryAttempts),
		RetryDelay:    time.Duration(envInt("DEVPUSH_RETRY_DELAY_MS", fc.RetryDelayMS)) * time.Millisecond,
		AckTimeout:    time.Duration(envInt("DEVPUSH_ACK_TIMEOUT_SEC", fc.AckTimeoutSec)) * time.Second,
		WatchDebounce: time.Duration(envInt("DEVPUSH_WATCH_DEBOUNCE_MS", fc.WatchDebounceMS)) * time.Millisecond,
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks the required fields. It runs separately from Load so
// callers can layer further sources (command-line flags) on top of the
// file and environment values first.
func (c *Config) Validate() error {
	if c.ServiceURL == "" {
		return fmt.Errorf("service_url is required")
	}
	if c.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 3
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 10
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 60 * time.Second
	}
	if c.WatchDebounce == 0 {
		c.WatchDebounce = 250 * time.Millisecond
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
