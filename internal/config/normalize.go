package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeAPI()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeSession(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("PARSEWATCH_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.BaseURL = strings.TrimSpace(c.API.BaseURL)
	if c.API.BaseURL == "" || c.API.BaseURL == defaultBaseURL {
		if value, ok := os.LookupEnv("PARSEWATCH_BASE_URL"); ok {
			c.API.BaseURL = strings.TrimSpace(value)
		}
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("PARSEWATCH_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.API.UserAgent) == "" {
		c.API.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		c.Paths.DownloadDir = defaultDownloadDir
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeSession() error {
	c.Session.Backend = strings.ToLower(strings.TrimSpace(c.Session.Backend))
	if c.Session.Backend == "" {
		c.Session.Backend = defaultSessionBackend
	}
	c.Session.DSN = strings.TrimSpace(c.Session.DSN)
	if c.Session.DSN == "" {
		if value, ok := os.LookupEnv("PARSEWATCH_SESSION_DSN"); ok {
			c.Session.DSN = strings.TrimSpace(value)
		}
	}

	switch c.Session.Backend {
	case SessionBackendSQLite, SessionBackendFile:
		if strings.TrimSpace(c.Session.Path) == "" {
			name := defaultSessionFileName
			if c.Session.Backend == SessionBackendFile {
				name = "session.json"
			}
			c.Session.Path = filepath.Join(c.Paths.StateDir, name)
		}
		var err error
		if c.Session.Path, err = expandPath(c.Session.Path); err != nil {
			return fmt.Errorf("session.path: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
