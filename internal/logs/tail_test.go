package logs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parsewatch/internal/logs"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

func TestLastReturnsNewestLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parsewatch-2026-05-04.log")
	writeLog(t, path, "a\nb\nc\npartial")

	lines, offset, err := logs.Last(path, 2, logs.Filter{})
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if len(lines) != 2 || lines[0] != "b" || lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", lines)
	}
	if offset != int64(len("a\nb\nc\n")) {
		t.Fatalf("offset = %d, partial line must not be consumed", offset)
	}
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter logs.Filter
		line   string
		want   bool
	}{
		{"empty filter", logs.Filter{}, "anything", true},
		{"job match", logs.Filter{JobID: "job-1"}, `{"level":"INFO","job_id":"job-1"}`, true},
		{"job mismatch", logs.Filter{JobID: "job-1"}, `{"level":"INFO","job_id":"job-2"}`, false},
		{"level below", logs.Filter{MinLevel: "warn"}, `{"level":"INFO"}`, false},
		{"level above", logs.Filter{MinLevel: "warn"}, `{"level":"ERROR"}`, true},
		{"console line substring", logs.Filter{JobID: "job-1"}, "10:00 INFO [job-1] finished", true},
		{"console line level only", logs.Filter{MinLevel: "error"}, "10:00 INFO started", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.line); got != tt.want {
				t.Fatalf("Match(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestLatestFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := logs.LatestFile(dir); !errors.Is(err, logs.ErrNoLogs) {
		t.Fatalf("expected ErrNoLogs, got %v", err)
	}
	writeLog(t, filepath.Join(dir, "parsewatch-2026-05-03.log"), "")
	writeLog(t, filepath.Join(dir, "parsewatch-2026-05-04.log"), "")
	writeLog(t, filepath.Join(dir, "other.log"), "")
	got, err := logs.LatestFile(dir)
	if err != nil || filepath.Base(got) != "parsewatch-2026-05-04.log" {
		t.Fatalf("LatestFile = %q, %v", got, err)
	}
}

func TestFollowerRollsToNextDay(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "parsewatch-2026-05-04.log")
	writeLog(t, first, "old\n")
	_, offset, err := logs.Last(first, 0, logs.Filter{})
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		fw := logs.Follower{Dir: dir, Poll: 10 * time.Millisecond}
		done <- fw.Run(ctx, first, offset, func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		})
	}()

	f, err := os.OpenFile(first, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("later\n")
	_ = f.Close()
	writeLog(t, filepath.Join(dir, "parsewatch-2026-05-05.log"), "next day\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "later" || got[1] != "next day" {
		t.Fatalf("followed lines = %#v", got)
	}
}
