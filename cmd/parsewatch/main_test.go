package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/xuri/excelize/v2"
)

func seedJobs(env *cliTestEnv) {
	now := time.Now()
	env.api.addJob(map[string]any{"id": "job-a", "status": "processing", "progress": 40, "filename": "alpha.csv", "created_at": rfc3339(now.Add(-time.Minute))})
	env.api.addJob(map[string]any{
		"id": "job-b", "status": "completed", "progress": 100, "filename": "beta.csv",
		"created_at": rfc3339(now.Add(-6 * time.Minute)), "expires_at": rfc3339(now.Add(5 * time.Minute)),
		"total_rows": 2, "successful_parses": 2, "failed_parses": 0,
	})
	env.api.addJob(map[string]any{
		"id": "job-c", "status": "completed", "progress": 100, "filename": "gamma.csv",
		"created_at": rfc3339(now.Add(-time.Hour)), "expires_at": rfc3339(now.Add(-5 * time.Minute)),
		"total_rows": 1, "successful_parses": 1, "failed_parses": 0,
	})
	env.api.rows["job-b"] = rawRows(
		`{"original":"Dr. Jane Doe","first":"Jane","last":"Doe"}`,
		`{"original":"John Smith","first":"John","last":"Smith"}`,
	)
}

func TestJobsCommandHidesExpired(t *testing.T) {
	env := setupCLITestEnv(t)
	seedJobs(env)

	out, _, err := env.run(t, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, "alpha.csv")
	requireContains(t, out, "beta.csv")
	requireContains(t, out, "Processing")
	if strings.Contains(out, "gamma.csv") {
		t.Fatalf("expired job listed without --all:\n%s", out)
	}

	out, _, err = env.run(t, "jobs", "--all", "--json")
	if err != nil {
		t.Fatalf("jobs --all: %v", err)
	}
	var views []struct {
		ID      string `json:"id"`
		Expired bool   `json:"expired"`
	}
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(views))
	}
	for _, v := range views {
		if (v.ID == "job-c") != v.Expired {
			t.Fatalf("job %s expired=%v", v.ID, v.Expired)
		}
	}
}

func TestResultsAndExport(t *testing.T) {
	env := setupCLITestEnv(t)
	seedJobs(env)

	out, _, err := env.run(t, "results", "job-b")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	requireContains(t, out, "Jane")
	requireContains(t, out, "Showing 2 of 2 rows")

	target := filepath.Join(env.baseDir, "exports", "beta.xlsx")
	out, _, err = env.run(t, "results", "job-b", "--export", target)
	if err != nil {
		t.Fatalf("results --export: %v", err)
	}
	requireContains(t, out, "Exported 2 rows")
	f, err := excelize.OpenFile(target)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	for cell, want := range map[string]string{"A1": "original", "B1": "first", "C1": "last", "A2": "Dr. Jane Doe", "C3": "Smith"} {
		if v, _ := f.GetCellValue("Parsed Names", cell); v != want {
			t.Errorf("%s = %q, want %q", cell, v, want)
		}
	}

	if _, _, err := env.run(t, "results", "job-a"); err == nil || !strings.Contains(err.Error(), "not completed") {
		t.Fatalf("expected not-completed error, got %v", err)
	}
}

func TestDownloadCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	seedJobs(env)

	out, _, err := env.run(t, "download", "job-b")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	saved := filepath.Join(env.download, "job-b_parsed.csv")
	requireContains(t, out, saved)
	data, err := os.ReadFile(saved)
	if err != nil || !strings.Contains(string(data), "Jane,Doe") {
		t.Fatalf("downloaded file: %q err=%v", data, err)
	}

	_, _, err = env.run(t, "download", "job-c")
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expired error, got %v", err)
	}
	if env.api.downloadCalls != 1 {
		t.Fatalf("expired download reached the backend: %d calls", env.api.downloadCalls)
	}
	leftovers, _ := filepath.Glob(filepath.Join(env.download, ".download-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestDownloadGoneMarksExpired(t *testing.T) {
	env := setupCLITestEnv(t)
	seedJobs(env)
	env.api.gone["job-b"] = true

	_, _, err := env.run(t, "download", "job-b", "-o", filepath.Join(env.baseDir, "out.csv"))
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expired error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(env.baseDir, "out.csv")); !os.IsNotExist(statErr) {
		t.Fatal("failed download must not leave an output file")
	}
}

func TestDeleteCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	seedJobs(env)

	out, _, err := env.run(t, "delete", "job-b")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	requireContains(t, out, "Deleted job job-b")

	out, _, err = env.run(t, "delete", "job-b")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	requireContains(t, out, "already removed")
}

func TestUploadWatchAndExport(t *testing.T) {
	env := setupCLITestEnv(t)
	env.api.onList = func(calls int) {
		job := env.api.jobs["job-1"]
		if job == nil {
			return
		}
		job["status"] = "completed"
		job["progress"] = 100
		job["expires_at"] = rfc3339(time.Now().Add(10 * time.Minute))
		job["total_rows"] = 1
		job["successful_parses"] = 1
		job["failed_parses"] = 0
		env.api.rows["job-1"] = rawRows(`{"original":"Jane Doe","first":"Jane"}`)
	}

	input := filepath.Join(env.baseDir, "names.csv")
	if err := os.WriteFile(input, []byte("name\nJane Doe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(env.baseDir, "names_parsed.csv")
	out, _, err := env.run(t, "upload", input, "--watch", "--export", target)
	if err != nil {
		t.Fatalf("upload --watch: %v\n%s", err, out)
	}
	requireContains(t, out, "Uploaded names.csv as job job-1")
	requireContains(t, out, "1 of 1 names parsed")
	requireContains(t, out, "Exported 1 rows")

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	requireContains(t, string(data), "Jane Doe")
	if len(env.api.uploads) != 1 || env.api.uploads[0] != "names.csv" {
		t.Fatalf("uploads = %v", env.api.uploads)
	}
}

func TestUploadRejectsExportWithoutWatch(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := env.run(t, "upload", "x.csv", "--export", "out.xlsx"); err == nil {
		t.Fatal("expected flag validation error")
	}
	if len(env.api.uploads) != 0 {
		t.Fatal("nothing should be uploaded")
	}
}

func TestUsageCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "usage")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	requireContains(t, out, "3 / 100 (3%)")
	requireContains(t, out, "Standard")

	env.api.entitlement = map[string]any{"active": true, "limit": "unlimited", "used": 12}
	out, _, err = env.run(t, "usage", "--json")
	if err != nil {
		t.Fatalf("usage --json: %v", err)
	}
	var view usageView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Limit != "unlimited" || !view.Entitled || view.Used != 12 {
		t.Fatalf("unexpected usage view: %+v", view)
	}
}

func TestActivationSurvivesRestart(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "activation", "trigger", "post_payment_redirect")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	requireContains(t, out, "Grace post_payment_redirect")
	requireContains(t, out, "Active")

	out, _, err = env.run(t, "activation", "status", "--offline", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var view activationView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.Entitled || len(view.Graces) != 1 || view.Graces[0].State != "active" {
		t.Fatalf("grace not restored: %+v", view)
	}

	env.api.entitlement = map[string]any{"active": true, "limit": 1000, "used": 0, "tier": "standard"}
	out, _, err = env.run(t, "activation", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Subscription:")
	requireContains(t, out, "yes")

	if _, _, err := env.run(t, "activation", "clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, _, err = env.run(t, "activation", "status", "--offline", "--json")
	if err != nil {
		t.Fatalf("status after clear: %v", err)
	}
	view = activationView{}
	_ = json.Unmarshal([]byte(out), &view)
	if len(view.Graces) != 0 {
		t.Fatalf("graces left after clear: %+v", view.Graces)
	}
}

func TestActivationObserveIgnoresFailedCheckout(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "activation", "observe", "https://app.example.com/billing?canceled=true")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	requireContains(t, out, "nothing changed")
}

func TestWatchRefusesSecondInstance(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.MkdirAll(env.stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := flock.New(filepath.Join(env.stateDir, watchLockName))
	ok, err := lock.TryLock()
	if err != nil || !ok {
		t.Fatalf("take lock: ok=%v err=%v", ok, err)
	}
	defer lock.Unlock()

	_, _, err = env.run(t, "watch")
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestDoctorLocal(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "doctor", "--local")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "Session store (file)")
	requireContains(t, out, "Download directory")
}

func TestConfigCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	out, _, err = env.run(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, redacted)
	if strings.Contains(out, "test-token") {
		t.Fatalf("token leaked:\n%s", out)
	}

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestLogsCommandFiltersByJob(t *testing.T) {
	env := setupCLITestEnv(t)
	seedJobs(env)
	if _, _, err := env.run(t, "download", "job-b"); err != nil {
		t.Fatalf("download: %v", err)
	}

	out, _, err := env.run(t, "logs", "--job", "job-b", "-n", "5")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "results downloaded")
	if strings.Contains(out, "job-a") {
		t.Fatalf("unfiltered output:\n%s", out)
	}
}
