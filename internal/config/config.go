package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// API contains connection settings for the name-parsing backend.
type API struct {
	BaseURL               string `toml:"base_url"`
	Token                 string `toml:"token"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	UserAgent             string `toml:"user_agent"`
}

// Paths contains directory configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
	DownloadDir string `toml:"download_dir"`
}

// Polling contains configuration for job status polling.
type Polling struct {
	IntervalSeconds   int  `toml:"interval_seconds"`
	MaxSilentFailures int  `toml:"max_silent_failures"`
	AdoptUnknown      bool `toml:"adopt_unknown"`
}

// Expiration contains configuration for the data-retention deadline.
type Expiration struct {
	RetentionMinutes        int  `toml:"retention_minutes"`
	WarningThresholdSeconds int  `toml:"warning_threshold_seconds"`
	DeriveMissingDeadline   bool `toml:"derive_missing_deadline"`
}

// Activation contains configuration for post-payment grace periods.
type Activation struct {
	RecheckIntervalSeconds     int `toml:"recheck_interval_seconds"`
	PostRegistrationTTLSeconds int `toml:"post_registration_ttl_seconds"`
	PostPaymentTTLSeconds      int `toml:"post_payment_ttl_seconds"`
	MaxFetchFailures           int `toml:"max_fetch_failures"`
}

// Session contains configuration for the durable session store.
type Session struct {
	// Backend selects the store: "sqlite", "file", "postgres", or "memory".
	Backend string `toml:"backend"`
	// Path is the database or JSON file location for sqlite/file backends.
	Path string `toml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `toml:"dsn"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for push notifications.
type Notifications struct {
	// NtfyTopic is the full ntfy topic URL; empty disables notifications.
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	// ExpiryWarnings also publishes the pre-expiry warning, not only expiry.
	ExpiryWarnings bool `toml:"expiry_warnings"`
}

// Results contains configuration for result previews.
type Results struct {
	DefaultLimit int `toml:"default_limit"`
}

// Config encapsulates all configuration values for parsewatch.
//
// Configuration sections by subsystem:
//   - API: backend base URL, bearer token, request timeout
//   - Paths: state, log, and download directories
//   - Polling: job status poll cadence and failure tolerance
//   - Expiration: retention deadline and warning threshold
//   - Activation: grace-period durations and entitlement recheck cadence
//   - Session: durable key-value store backend
//   - Logging: log format and level
//   - Notifications: ntfy push notifications for job and grace events
//   - Results: result preview defaults
type Config struct {
	API           API           `toml:"api"`
	Paths         Paths         `toml:"paths"`
	Polling       Polling       `toml:"polling"`
	Expiration    Expiration    `toml:"expiration"`
	Activation    Activation    `toml:"activation"`
	Session       Session       `toml:"session"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Results       Results       `toml:"results"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/parsewatch/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config path %q is a directory", expanded)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("parsewatch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state, log, and download directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.DownloadDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RequestTimeout returns the bounded timeout applied to each backend fetch.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns the job status poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalSeconds) * time.Second
}

// Retention returns how long results are kept after completion.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Expiration.RetentionMinutes) * time.Minute
}

// WarningThreshold returns the remaining time at which an expiry warning fires.
func (c *Config) WarningThreshold() time.Duration {
	return time.Duration(c.Expiration.WarningThresholdSeconds) * time.Second
}

// RecheckInterval returns the entitlement recheck cadence during a grace period.
func (c *Config) RecheckInterval() time.Duration {
	return time.Duration(c.Activation.RecheckIntervalSeconds) * time.Second
}

// PostRegistrationTTL returns the grace duration granted after registration.
func (c *Config) PostRegistrationTTL() time.Duration {
	return time.Duration(c.Activation.PostRegistrationTTLSeconds) * time.Second
}

// PostPaymentTTL returns the grace duration granted after a checkout redirect.
func (c *Config) PostPaymentTTL() time.Duration {
	return time.Duration(c.Activation.PostPaymentTTLSeconds) * time.Second
}

// NotificationTimeout returns the timeout applied to each ntfy publish.
func (c *Config) NotificationTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the provided path.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file %q already exists", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}
