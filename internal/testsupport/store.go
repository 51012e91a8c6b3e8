package testsupport

import (
	"context"
	"testing"

	"parsewatch/internal/config"
	"parsewatch/internal/session"
)

// MustOpenSession opens the configured session store and registers cleanup.
func MustOpenSession(t testing.TB, cfg *config.Config) session.Store {
	t.Helper()

	store, err := session.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
