package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parsewatch/internal/config"
)

const userAgent = "parsewatch-notify/0.1"

// Event names a notification kind.
type Event string

const (
	EventJobCompleted  Event = "job_completed"
	EventJobFailed     Event = "job_failed"
	EventJobExpiring   Event = "job_expiring"
	EventJobExpired    Event = "job_expired"
	EventGraceExpired  Event = "grace_expired"
	EventSyncDegraded  Event = "sync_degraded"
	EventSyncRecovered Event = "sync_recovered"
	EventTest          Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := cfg.NotificationTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	suppressed := map[Event]bool{EventSyncRecovered: true}
	if !cfg.Notifications.ExpiryWarnings {
		suppressed[EventJobExpiring] = true
	}
	return &ntfyService{
		endpoint:   topic,
		client:     &http.Client{Timeout: timeout},
		suppressed: suppressed,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint   string
	client     *http.Client
	suppressed map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, fields Payload) error {
	if n == nil || n.suppressed[event] {
		return nil
	}
	data, ok := render(event, fields)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func render(event Event, fields Payload) (payload, bool) {
	label := jobLabel(fields)
	switch event {
	case EventJobCompleted:
		msg := fmt.Sprintf("✅ Parsed: %s", label)
		if total, ok := intField(fields, "totalRows"); ok {
			msg = fmt.Sprintf("%s\n%d rows, %d parsed, %d failed", msg, total, intOr(fields, "successfulParses"), intOr(fields, "failedParses"))
		}
		return payload{
			title:   "parsewatch - Job Complete",
			message: msg,
			tags:    []string{"parsewatch", "job", "completed"},
		}, true
	case EventJobFailed:
		return payload{
			title:    "parsewatch - Job Failed",
			message:  fmt.Sprintf("❌ %s failed: %s", label, stringOr(fields, "error", "unknown error")),
			tags:     []string{"parsewatch", "job", "failed"},
			priority: "high",
		}, true
	case EventJobExpiring:
		return payload{
			title:   "parsewatch - Results Expiring",
			message: fmt.Sprintf("⏳ Results for %s expire in %s", label, stringOr(fields, "remaining", "soon")),
			tags:    []string{"parsewatch", "job", "expiring"},
		}, true
	case EventJobExpired:
		return payload{
			title:   "parsewatch - Results Expired",
			message: fmt.Sprintf("Results for %s are no longer available", label),
			tags:    []string{"parsewatch", "job", "expired"},
		}, true
	case EventGraceExpired:
		return payload{
			title:    "parsewatch - Activation Pending",
			message:  fmt.Sprintf("Provisional access (%s) ended before the subscription was confirmed", stringOr(fields, "reason", "unknown")),
			tags:     []string{"parsewatch", "activation", "alert"},
			priority: "high",
		}, true
	case EventSyncDegraded:
		return payload{
			title:   "parsewatch - Sync Degraded",
			message: fmt.Sprintf("Job status updates are failing: %s", stringOr(fields, "error", "unknown error")),
			tags:    []string{"parsewatch", "sync", "degraded"},
		}, true
	case EventSyncRecovered:
		return payload{
			title:    "parsewatch - Sync Recovered",
			message:  "Job status updates resumed",
			tags:     []string{"parsewatch", "sync", "recovered"},
			priority: "low",
		}, true
	case EventTest:
		return payload{
			title:    "parsewatch - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"parsewatch", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func jobLabel(fields Payload) string {
	if name := stringOr(fields, "filename", ""); name != "" {
		return name
	}
	if id := stringOr(fields, "jobID", ""); id != "" {
		return "job " + id
	}
	return "job"
}

func stringOr(fields Payload, key, fallback string) string {
	if v, ok := fields[key]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return fallback
}

func intField(fields Payload, key string) (int, bool) {
	switch v := fields[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func intOr(fields Payload, key string) int {
	v, _ := intField(fields, key)
	return v
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
