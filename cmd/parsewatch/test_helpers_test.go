package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAPI serves the subset of the backend the CLI talks to.
type fakeAPI struct {
	mu sync.Mutex

	jobs        map[string]map[string]any
	order       []string
	// rows are raw JSON so column order survives encoding.
	rows        map[string][]json.RawMessage
	gone        map[string]bool
	entitlement map[string]any
	// onList runs before each list response, under the lock.
	onList func(calls int)

	listCalls     int
	downloadCalls int
	uploads       []string
	nextID        int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{
		jobs:        make(map[string]map[string]any),
		rows:        make(map[string][]json.RawMessage),
		gone:        make(map[string]bool),
		entitlement: map[string]any{"active": false, "limit": 100, "used": 3, "tier": "standard"},
	}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	return api, srv
}

func (f *fakeAPI) addJob(job map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := job["id"].(string)
	if _, ok := f.jobs[id]; !ok {
		f.order = append(f.order, id)
	}
	f.jobs[id] = job
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer test-token" {
		writeProblem(w, http.StatusUnauthorized, "missing token")
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "entitlement":
		writeBody(w, f.entitlement)
	case len(parts) == 1 && parts[0] == "jobs" && r.Method == http.MethodPost:
		file, header, err := r.FormFile("file")
		if err != nil {
			writeProblem(w, http.StatusBadRequest, err.Error())
			return
		}
		_, _ = io.Copy(io.Discard, file)
		f.nextID++
		id := fmt.Sprintf("job-%d", f.nextID)
		f.uploads = append(f.uploads, header.Filename)
		f.order = append(f.order, id)
		f.jobs[id] = map[string]any{"id": id, "status": "pending", "filename": header.Filename, "created_at": time.Now().UTC().Format(time.RFC3339)}
		writeBody(w, map[string]any{"job_id": id, "message": "queued", "estimated_seconds": 5})
	case len(parts) == 1 && parts[0] == "jobs":
		f.listCalls++
		if f.onList != nil {
			f.onList(f.listCalls)
		}
		list := make([]map[string]any, 0, len(f.order))
		for _, id := range f.order {
			if job, ok := f.jobs[id]; ok {
				list = append(list, job)
			}
		}
		writeBody(w, map[string]any{"jobs": list, "total": len(list)})
	case len(parts) == 2 && parts[0] == "jobs" && r.Method == http.MethodDelete:
		if _, ok := f.jobs[parts[1]]; !ok {
			writeProblem(w, http.StatusNotFound, "no such job")
			return
		}
		delete(f.jobs, parts[1])
		writeBody(w, map[string]any{"deleted": true})
	case len(parts) == 2 && parts[0] == "jobs":
		job, ok := f.jobs[parts[1]]
		if !ok {
			writeProblem(w, http.StatusNotFound, "no such job")
			return
		}
		writeBody(w, job)
	case len(parts) == 3 && parts[2] == "results":
		if f.gone[parts[1]] {
			writeProblem(w, http.StatusGone, "results deleted")
			return
		}
		rows := f.rows[parts[1]]
		writeBody(w, map[string]any{"job_id": parts[1], "total_rows": len(rows), "returned_rows": len(rows), "results": rows})
	case len(parts) == 3 && parts[2] == "download":
		f.downloadCalls++
		if f.gone[parts[1]] {
			writeProblem(w, http.StatusGone, "results deleted")
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+parts[1]+`_parsed.csv"`)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "first,last\nJane,Doe\n")
	default:
		writeProblem(w, http.StatusNotFound, "unknown route")
	}
}

func rawRows(objects ...string) []json.RawMessage {
	rows := make([]json.RawMessage, len(objects))
	for i, obj := range objects {
		rows[i] = json.RawMessage(obj)
	}
	return rows
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"title": http.StatusText(status), "detail": detail})
}

type cliTestEnv struct {
	api        *fakeAPI
	baseDir    string
	configPath string
	stateDir   string
	download   string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("PARSEWATCH_API_TOKEN", "")
	t.Setenv("PARSEWATCH_NTFY_TOPIC", "")

	api, srv := newFakeAPI(t)
	base := t.TempDir()
	env := &cliTestEnv{
		api:        api,
		baseDir:    base,
		configPath: filepath.Join(base, "config.toml"),
		stateDir:   filepath.Join(base, "state"),
		download:   filepath.Join(base, "downloads"),
	}
	writeTestConfig(t, env, srv.URL+"/api")
	return env
}

func writeTestConfig(t *testing.T, env *cliTestEnv, baseURL string) {
	t.Helper()
	content := fmt.Sprintf(`[api]
base_url = %q
token = "test-token"
request_timeout_seconds = 5

[paths]
state_dir = %q
log_dir = %q
download_dir = %q

[polling]
interval_seconds = 1
max_silent_failures = 3

[session]
backend = "file"
path = %q
`,
		baseURL,
		env.stateDir,
		filepath.Join(env.baseDir, "logs"),
		env.download,
		filepath.Join(env.stateDir, "session.json"),
	)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (env *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLI(t, args, env.configPath)
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func rfc3339(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
