package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	consoleTimeLayout = "15:04:05"
	consoleDateLayout = "2006-01-02 15:04:05"
	redactedValue     = "<redacted>"
)

// Keys whose values never reach a log line.
var secretKeys = map[string]struct{}{
	"token":         {},
	"api_token":     {},
	"authorization": {},
	"dsn":           {},
}

func isSecretKey(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	_, ok := secretKeys[strings.ToLower(key)]
	return ok
}

// consoleTime prints only the clock for today's lines; the daily log file
// already carries the date.
func consoleTime(ts, now time.Time) string {
	if ts.IsZero() {
		return ""
	}
	ts = ts.In(time.Local)
	now = now.In(time.Local)
	if ts.Year() == now.Year() && ts.YearDay() == now.YearDay() {
		return ts.Format(consoleTimeLayout)
	}
	return ts.Format(consoleDateLayout)
}

// roundDuration trims sub-second noise from countdowns and poll timings.
func roundDuration(d time.Duration) time.Duration {
	if d >= time.Second || d <= -time.Second {
		return d.Round(time.Second)
	}
	return d.Round(time.Millisecond)
}

// plainValue renders a value unquoted, for the job/reason/component subject.
func plainValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return strings.TrimSpace(v.String())
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return fieldValue(v)
	}
}

// fieldValue renders one "key: value" field of a console line.
func fieldValue(v slog.Value) string {
	v = v.Resolve()
	var s string
	switch v.Kind() {
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return roundDuration(v.Duration()).String()
	case slog.KindTime:
		return v.Time().In(time.Local).Format(consoleDateLayout)
	case slog.KindString:
		s = v.String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if needsQuotes(s) {
		return strconv.Quote(s)
	}
	return s
}

func needsQuotes(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '"' || r == '=' })
}
