package testsupport

import (
	"path/filepath"
	"testing"

	"parsewatch/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The session store defaults to memory so tests never share state.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.API.BaseURL = "http://127.0.0.1:1/api"
	cfgVal.API.Token = "test-token"
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Session.Backend = config.SessionBackendMemory
	cfgVal.Session.Path = filepath.Join(base, "state", "session.db")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithBaseURL points the config at a test server.
func WithBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.BaseURL = url
	}
}

// WithSessionBackend switches the session store. File-backed stores live
// under the temp state dir.
func WithSessionBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Session.Backend = backend
		if backend == config.SessionBackendFile {
			b.cfg.Session.Path = filepath.Join(b.baseDir, "state", "session.json")
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
