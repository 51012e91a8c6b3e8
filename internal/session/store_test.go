package session_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"parsewatch/internal/config"
	"parsewatch/internal/session"
)

func exerciseStore(t *testing.T, store session.Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing: ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "activation.grace.post_payment_redirect", `{"ttl":"30s"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "activation.registration_pending", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "theme", "dark"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "activation.registration_pending", "2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := store.Get(ctx, "activation.registration_pending")
	if err != nil || !ok || value != "2" {
		t.Fatalf("Get after overwrite: %q ok=%v err=%v", value, ok, err)
	}

	listed, err := store.List(ctx, "activation.")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 2 || listed["activation.grace.post_payment_redirect"] != `{"ttl":"30s"}` {
		t.Fatalf("unexpected listing %v", listed)
	}

	for _, key := range []string{"café.a", "café.b", "cafe.c", "cafés"} {
		if err := store.Set(ctx, key, "v"); err != nil {
			t.Fatalf("Set %q: %v", key, err)
		}
	}
	listed, err = store.List(ctx, "café.")
	if err != nil || len(listed) != 2 || listed["café.a"] != "v" || listed["café.b"] != "v" {
		t.Fatalf("multi-byte prefix listing %v err=%v", listed, err)
	}

	if err := store.Delete(ctx, "activation.registration_pending", "activation.grace.post_payment_redirect", "never-set"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	listed, err = store.List(ctx, "activation.")
	if err != nil || len(listed) != 0 {
		t.Fatalf("expected activation keys cleared, got %v err=%v", listed, err)
	}
	if v, ok, _ := store.Get(ctx, "theme"); !ok || v != "dark" {
		t.Fatal("unrelated key removed")
	}
	if err := store.Set(ctx, " ", "x"); err == nil {
		t.Fatal("expected empty key rejection")
	}
}

func TestMemoryStore(t *testing.T) {
	store := session.NewMemoryStore()
	exerciseStore(t, store)
	_ = store.Close()
	if _, _, err := store.Get(context.Background(), "theme"); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.db")
	store, err := session.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	exerciseStore(t, store)
	if err := store.Set(context.Background(), "activation.registration_pending", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := session.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if v, ok, err := reopened.Get(context.Background(), "activation.registration_pending"); err != nil || !ok || v != "1" {
		t.Fatalf("value lost across reopen: %q ok=%v err=%v", v, ok, err)
	}
}

func TestSQLiteStoreRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	store, err := session.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := session.OpenSQLite(context.Background(), path); !errors.Is(err, session.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestFileStoreSerializesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := session.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	exerciseStore(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			other, err := session.OpenFile(path)
			if err != nil {
				t.Errorf("OpenFile: %v", err)
				return
			}
			defer other.Close()
			if err := other.Set(context.Background(), "writer."+string(rune('a'+i)), "ok"); err != nil {
				t.Errorf("Set: %v", err)
			}
		}(i)
	}
	wg.Wait()

	listed, err := store.List(context.Background(), "writer.")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 8 {
		t.Fatalf("lost concurrent writes: %v", listed)
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("expected lock file: %v", err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		backend string
		path    string
	}{
		{config.SessionBackendMemory, ""},
		{config.SessionBackendSQLite, filepath.Join(dir, "s.db")},
		{config.SessionBackendFile, filepath.Join(dir, "s.json")},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Session.Backend = tt.backend
		cfg.Session.Path = tt.path
		store, err := session.Open(context.Background(), &cfg, nil)
		if err != nil {
			t.Fatalf("Open(%s): %v", tt.backend, err)
		}
		if err := store.Set(context.Background(), "k", "v"); err != nil {
			t.Fatalf("%s Set: %v", tt.backend, err)
		}
		_ = store.Close()
	}

	cfg := config.Default()
	cfg.Session.Backend = "redis"
	if _, err := session.Open(context.Background(), &cfg, nil); err == nil {
		t.Fatal("expected unsupported backend error")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PARSEWATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARSEWATCH_TEST_POSTGRES_DSN not set")
	}
	store, err := session.OpenPostgres(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer store.Close()
	_ = store.Delete(context.Background(), "missing", "activation.registration_pending", "activation.grace.post_payment_redirect", "theme")
	exerciseStore(t, store)
	_ = store.Delete(context.Background(), "theme")
}
