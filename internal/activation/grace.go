package activation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reason names why provisional access was granted.
type Reason string

const (
	ReasonPostRegistration    Reason = "post_registration"
	ReasonPostPaymentRedirect Reason = "post_payment_redirect"
)

const (
	DefaultPostRegistrationTTL = 60 * time.Second
	DefaultPostPaymentTTL      = 30 * time.Second
	DefaultRecheckInterval     = 5 * time.Second
	DefaultMaxFetchFailures    = 5
)

// Session keys.
const (
	KeyPrefix              = "activation."
	KeyRegistrationPending = "activation.registration_pending"
	graceKeyPrefix         = "activation.grace."
)

// Reasons lists every known reason in display order.
func Reasons() []Reason {
	return []Reason{ReasonPostRegistration, ReasonPostPaymentRedirect}
}

// ParseReason accepts the snake_case names plus a few short aliases.
func ParseReason(v string) (Reason, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(ReasonPostRegistration), "registration", "post-registration":
		return ReasonPostRegistration, nil
	case string(ReasonPostPaymentRedirect), "payment", "post-payment", "post_payment":
		return ReasonPostPaymentRedirect, nil
	default:
		return "", fmt.Errorf("unknown activation reason %q", v)
	}
}

func (r Reason) valid() bool {
	return r == ReasonPostRegistration || r == ReasonPostPaymentRedirect
}

// GraceKey returns the session key holding the grace record for r.
func GraceKey(r Reason) string { return graceKeyPrefix + string(r) }

// State is the lifecycle of one grace period.
type State int

const (
	StateNone State = iota
	StatePending
	StateActive
	StateExpired
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateConfirmed:
		return "confirmed"
	default:
		return "none"
	}
}

// GracePeriod is a window of provisional access.
type GracePeriod struct {
	Reason      Reason
	ActivatedAt time.Time
	TTL         time.Duration
	Confirmed   bool
}

// Deadline is the first instant the grace period no longer covers.
func (g GracePeriod) Deadline() time.Time { return g.ActivatedAt.Add(g.TTL) }

// ExpiredAt reports whether an unconfirmed grace period has lapsed at now.
func (g GracePeriod) ExpiredAt(now time.Time) bool {
	return !now.Before(g.Deadline())
}

type graceRecord struct {
	Reason      Reason    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at"`
	TTLMillis   int64     `json:"ttl_ms"`
}

func encodeGrace(g GracePeriod) (string, error) {
	data, err := json.Marshal(graceRecord{
		Reason:      g.Reason,
		ActivatedAt: g.ActivatedAt.UTC(),
		TTLMillis:   g.TTL.Milliseconds(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeGrace(key, raw string) (GracePeriod, error) {
	var rec graceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return GracePeriod{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if rec.Reason == "" {
		rec.Reason = Reason(strings.TrimPrefix(key, graceKeyPrefix))
	}
	if !rec.Reason.valid() {
		return GracePeriod{}, fmt.Errorf("decode %s: unknown reason %q", key, rec.Reason)
	}
	if rec.ActivatedAt.IsZero() || rec.TTLMillis <= 0 {
		return GracePeriod{}, fmt.Errorf("decode %s: incomplete record", key)
	}
	return GracePeriod{
		Reason:      rec.Reason,
		ActivatedAt: rec.ActivatedAt,
		TTL:         time.Duration(rec.TTLMillis) * time.Millisecond,
	}, nil
}
