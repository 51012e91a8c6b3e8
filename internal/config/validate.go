package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validatePolling(); err != nil {
		return err
	}
	if err := c.validateExpiration(); err != nil {
		return err
	}
	if err := c.validateActivation(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if c.Results.DefaultLimit < 1 || c.Results.DefaultLimit > maxResultsLimit {
		return fmt.Errorf("results.default_limit must be between 1 and %d", maxResultsLimit)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must be set")
	}
	parsed, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("api.base_url must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("api.base_url must include a host")
	}
	if c.API.RequestTimeoutSeconds <= 0 {
		return errors.New("api.request_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validatePolling() error {
	if c.Polling.IntervalSeconds <= 0 {
		return errors.New("polling.interval_seconds must be positive")
	}
	if c.Polling.MaxSilentFailures < 1 {
		return errors.New("polling.max_silent_failures must be at least 1")
	}
	return nil
}

func (c *Config) validateExpiration() error {
	if c.Expiration.RetentionMinutes <= 0 {
		return errors.New("expiration.retention_minutes must be positive")
	}
	if c.Expiration.WarningThresholdSeconds < 0 {
		return errors.New("expiration.warning_threshold_seconds must be >= 0")
	}
	if c.WarningThreshold() >= c.Retention() {
		return errors.New("expiration.warning_threshold_seconds must be shorter than the retention window")
	}
	return nil
}

func (c *Config) validateActivation() error {
	if c.Activation.RecheckIntervalSeconds <= 0 {
		return errors.New("activation.recheck_interval_seconds must be positive")
	}
	if c.Activation.PostRegistrationTTLSeconds <= 0 {
		return errors.New("activation.post_registration_ttl_seconds must be positive")
	}
	if c.Activation.PostPaymentTTLSeconds <= 0 {
		return errors.New("activation.post_payment_ttl_seconds must be positive")
	}
	if c.Activation.MaxFetchFailures < 1 {
		return errors.New("activation.max_fetch_failures must be at least 1")
	}
	return nil
}

func (c *Config) validateSession() error {
	switch c.Session.Backend {
	case SessionBackendSQLite, SessionBackendFile, SessionBackendMemory:
		return nil
	case SessionBackendPostgres:
		if strings.TrimSpace(c.Session.DSN) == "" {
			return errors.New("session.dsn must be set when session.backend is postgres")
		}
		return nil
	default:
		return fmt.Errorf("session.backend: unsupported value %q", c.Session.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := strings.TrimSpace(c.Notifications.NtfyTopic)
	if topic == "" {
		return nil
	}
	parsed, err := url.Parse(topic)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		return errors.New("notifications.request_timeout_seconds must be positive")
	}
	return nil
}
