package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"parsewatch/internal/logging"
)

const maxLineBytes = 1024 * 1024

// ErrNoLogs means the log directory holds no parsewatch log files yet.
var ErrNoLogs = errors.New("no log files found")

// Filter selects log lines.
type Filter struct {
	JobID    string
	MinLevel string
}

func (f Filter) empty() bool {
	return strings.TrimSpace(f.JobID) == "" && strings.TrimSpace(f.MinLevel) == ""
}

// Match reports whether line passes the filter.
func (f Filter) Match(line string) bool {
	if f.empty() {
		return true
	}
	var record struct {
		Level string `json:"level"`
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		if f.JobID != "" {
			return strings.Contains(line, f.JobID)
		}
		return true
	}
	if f.JobID != "" && record.JobID != f.JobID {
		return false
	}
	if f.MinLevel != "" && levelOf(record.Level) < levelOf(f.MinLevel) {
		return false
	}
	return true
}

func levelOf(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LatestFile returns the newest daily log in dir. Daily names sort by date.
func LatestFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, logging.LogFilePattern))
	if err != nil {
		return "", fmt.Errorf("list log files: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNoLogs
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// Last returns up to n lines from the end of path that pass f, plus the
// offset just past the last byte read.
func Last(path string, n int, f Filter) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if n <= 0 {
		offset, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, offset, nil
	}

	ring := make([]string, n)
	count, idx := 0, 0
	offset, err := scanLines(file, func(line string) {
		if !f.Match(line) {
			return
		}
		ring[idx] = line
		idx = (idx + 1) % n
		if count < n {
			count++
		}
	})
	if err != nil {
		return nil, 0, err
	}

	lines := make([]string, count)
	if count == n {
		for i := range lines {
			lines[i] = ring[(idx+i)%n]
		}
	} else {
		copy(lines, ring[:count])
	}
	return lines, offset, nil
}

// scanLines feeds every complete line from r to fn and returns the number of
// bytes consumed. A trailing partial line is left for the next read.
func scanLines(r io.Reader, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			consumed += int64(len(line))
			text := strings.TrimRight(line, "\r\n")
			if len(text) > maxLineBytes {
				text = text[:maxLineBytes]
			}
			fn(text)
			continue
		}
		if errors.Is(err, io.EOF) {
			return consumed, nil
		}
		return consumed, fmt.Errorf("read log file: %w", err)
	}
}

// Follower streams lines appended to the daily logs.
type Follower struct {
	Dir    string
	Filter Filter
	Poll   time.Duration
}

// Run emits lines appended to path after offset until ctx is done. When a
// newer daily file appears the follower finishes the current file and moves
// to the new one.
func (fw Follower) Run(ctx context.Context, path string, offset int64, emit func(string)) error {
	poll := fw.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		next, err := fw.drain(path, offset, emit)
		if err != nil {
			return err
		}
		offset = next

		if latest, err := LatestFile(fw.Dir); err == nil && latest > path {
			if next, err := fw.drain(path, offset, emit); err == nil {
				offset = next
			}
			path, offset = latest, 0
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (fw Follower) drain(path string, offset int64, emit func(string)) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, fmt.Errorf("stat log file: %w", err)
	}
	if offset > info.Size() {
		// truncated or replaced
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}
	read, err := scanLines(file, func(line string) {
		if fw.Filter.Match(line) {
			emit(line)
		}
	})
	return offset + read, err
}
