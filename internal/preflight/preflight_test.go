package preflight

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"parsewatch/internal/config"
	"parsewatch/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckSession(t *testing.T) {
	for _, backend := range []string{config.SessionBackendMemory, config.SessionBackendFile, config.SessionBackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, testsupport.WithSessionBackend(backend))
			if err := cfg.EnsureDirectories(); err != nil {
				t.Fatal(err)
			}
			result := CheckSession(context.Background(), cfg, nil)
			if !result.Passed {
				t.Fatalf("expected pass, got: %s", result.Detail)
			}
		})
	}
}

func backendServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/entitlement") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckBackend(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		token  string
		passed bool
		detail string
	}{
		{"active", http.StatusOK, `{"active":true,"limit":100,"used":3,"tier":"standard"}`, "test-token", true, "subscription active"},
		{"inactive", http.StatusOK, `{"active":false,"limit":10,"used":0,"tier":"anonymous"}`, "test-token", true, "no active subscription"},
		{"bad token", http.StatusOK, `{}`, "wrong", false, "token rejected"},
		{"missing token", http.StatusOK, `{}`, "", false, "missing api token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := backendServer(t, tt.status, tt.body)
			cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(srv.URL+"/api"))
			cfg.API.Token = tt.token
			result := CheckBackend(context.Background(), cfg, nil)
			if result.Passed != tt.passed || !strings.Contains(result.Detail, tt.detail) {
				t.Fatalf("got %+v", result)
			}
		})
	}
}

func TestCheckNtfy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/parsewatch/json" || r.URL.Query().Get("poll") != "1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if result := CheckNtfy(context.Background(), srv.URL+"/parsewatch"); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckNtfy(context.Background(), srv.URL+"/other"); result.Passed {
		t.Fatal("expected failure for unknown topic")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunLocal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	results := RunLocal(context.Background(), cfg, nil)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}

	if err := os.RemoveAll(cfg.Paths.DownloadDir); err != nil {
		t.Fatal(err)
	}
	failed := Failed(RunLocal(context.Background(), cfg, nil))
	if len(failed) != 1 || failed[0].Name != "Download directory" {
		t.Fatalf("expected download dir failure, got %+v", failed)
	}
}

func TestRunAll_SkipsNtfyWhenUnset(t *testing.T) {
	srv := backendServer(t, http.StatusOK, `{"active":true,"limit":100,"used":0}`)
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(srv.URL+"/api"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	cfg.Notifications.NtfyTopic = ""
	for _, r := range RunAll(context.Background(), cfg, nil) {
		if r.Name == "ntfy" {
			t.Fatal("ntfy check should be skipped without a topic")
		}
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
}
