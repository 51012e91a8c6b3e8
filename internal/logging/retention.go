package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const dailyLogPrefix, dailyLogSuffix = "parsewatch-", ".log"

// dailyLogDate extracts the day encoded in a daily log file name.
func dailyLogDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, dailyLogPrefix) || !strings.HasSuffix(name, dailyLogSuffix) {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, dailyLogPrefix), dailyLogSuffix), time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// PruneDailyLogs removes daily log files in dir whose day is more than
// retentionDays before now. Today's file is never removed and 0 disables
// pruning. Files that do not follow the daily naming are left alone.
func PruneDailyLogs(logger *slog.Logger, dir string, retentionDays int, now time.Time) int {
	dir = strings.TrimSpace(dir)
	if retentionDays <= 0 || dir == "" {
		return 0
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	cutoff := today.AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := dailyLogDate(entry.Name())
		if !ok || !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		removed++
		if logger != nil {
			logger.Debug("log pruned", String("path", path), String(FieldEventType, "log_pruned"))
		}
	}
	return removed
}
