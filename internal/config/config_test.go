package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"parsewatch/internal/config"
)

func TestLoadDefaultConfigExpandsPathsAndUsesEnvToken(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("PARSEWATCH_API_TOKEN", "env-token")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "parsewatch")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Session.Path != filepath.Join(wantState, "session.db") {
		t.Fatalf("unexpected session path: %q", cfg.Session.Path)
	}
	if cfg.API.Token != "env-token" {
		t.Fatalf("expected token from env, got %q", cfg.API.Token)
	}
	if cfg.PollInterval() != 3*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.Retention() != 10*time.Minute {
		t.Fatalf("unexpected retention: %s", cfg.Retention())
	}
	if cfg.WarningThreshold() != 2*time.Minute {
		t.Fatalf("unexpected warning threshold: %s", cfg.WarningThreshold())
	}
	if cfg.PostRegistrationTTL() != time.Minute || cfg.PostPaymentTTL() != 30*time.Second {
		t.Fatalf("unexpected grace ttls: %s / %s", cfg.PostRegistrationTTL(), cfg.PostPaymentTTL())
	}
	if cfg.RecheckInterval() != 5*time.Second {
		t.Fatalf("unexpected recheck interval: %s", cfg.RecheckInterval())
	}
}

func TestLoadCustomConfigOverridesDefaults(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := struct {
		API struct {
			BaseURL string `toml:"base_url"`
			Token   string `toml:"token"`
		} `toml:"api"`
		Polling struct {
			IntervalSeconds int `toml:"interval_seconds"`
		} `toml:"polling"`
		Session struct {
			Backend string `toml:"backend"`
		} `toml:"session"`
	}{}
	payload.API.BaseURL = "https://parse.example.com/api/"
	payload.API.Token = "file-token"
	payload.Polling.IntervalSeconds = 7
	payload.Session.Backend = "FILE"

	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected config %q to be used, got %q (exists=%v)", configPath, resolved, exists)
	}
	if cfg.API.BaseURL != "https://parse.example.com/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.API.BaseURL)
	}
	if cfg.API.Token != "file-token" {
		t.Fatalf("unexpected token %q", cfg.API.Token)
	}
	if cfg.PollInterval() != 7*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval())
	}
	if cfg.Session.Backend != config.SessionBackendFile {
		t.Fatalf("expected file backend, got %q", cfg.Session.Backend)
	}
	if !strings.HasSuffix(cfg.Session.Path, "session.json") {
		t.Fatalf("expected json session path, got %q", cfg.Session.Path)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero poll interval", func(c *config.Config) { c.Polling.IntervalSeconds = 0 }, "polling.interval_seconds"},
		{"threshold beyond retention", func(c *config.Config) { c.Expiration.WarningThresholdSeconds = 900 }, "warning_threshold_seconds"},
		{"zero ttl", func(c *config.Config) { c.Activation.PostPaymentTTLSeconds = 0 }, "post_payment_ttl_seconds"},
		{"postgres without dsn", func(c *config.Config) { c.Session.Backend = config.SessionBackendPostgres }, "session.dsn"},
		{"unknown backend", func(c *config.Config) { c.Session.Backend = "redis" }, "session.backend"},
		{"bad scheme", func(c *config.Config) { c.API.BaseURL = "ftp://example.com" }, "http or https"},
		{"results limit", func(c *config.Config) { c.Results.DefaultLimit = 5000 }, "results.default_limit"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"log retention", func(c *config.Config) { c.Logging.RetentionDays = -1 }, "logging.retention_days"},
		{"ntfy topic", func(c *config.Config) { c.Notifications.NtfyTopic = "ntfy.sh/topic" }, "notifications.ntfy_topic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleWritesParsableConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(target); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if err := config.CreateSample(target); err == nil {
		t.Fatal("expected error when sample already exists")
	}
	cfg, _, exists, err := config.Load(target)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	if cfg.API.BaseURL != "https://parse.example.com/api" {
		t.Fatalf("unexpected sample base url %q", cfg.API.BaseURL)
	}
}
