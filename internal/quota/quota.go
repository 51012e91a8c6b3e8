// Package quota holds the caller's usage counter and answers quota questions
// from the last authoritative fetch. Nothing here increments usage locally.
package quota

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"parsewatch/internal/logging"
)

// Limit is a quota ceiling. Unlimited is a sentinel, never a large number.
type Limit struct {
	value     int
	unlimited bool
}

// Unlimited is the limit of enterprise principals.
var Unlimited = Limit{unlimited: true}

// Finite returns a numeric limit. Negative values are treated as Unlimited,
// matching the backend's -1 convention.
func Finite(n int) Limit {
	if n < 0 {
		return Unlimited
	}
	return Limit{value: n}
}

// IsUnlimited reports whether the limit is the unlimited sentinel.
func (l Limit) IsUnlimited() bool { return l.unlimited }

// Value returns the numeric limit. ok is false for Unlimited.
func (l Limit) Value() (n int, ok bool) {
	if l.unlimited {
		return 0, false
	}
	return l.value, true
}

func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.Itoa(l.value)
}

// MarshalJSON encodes Unlimited as the string "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(l.value)), nil
}

// UnmarshalJSON accepts an integer, -1, null, or "unlimited".
func (l *Limit) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*l = Unlimited
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "unlimited" || s == "infinity" {
			*l = Unlimited
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("quota limit: unsupported value %q", s)
		}
		*l = Finite(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("quota limit: %w", err)
	}
	*l = Finite(n)
	return nil
}

// Tier names a quota plan. Tiers differ only by limit.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a backend tier name. Unknown names return false.
func ParseTier(value string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "anonymous", "free", "":
		return TierAnonymous, true
	case "standard", "pro":
		return TierStandard, true
	case "enterprise":
		return TierEnterprise, true
	default:
		return "", false
	}
}

// UsageCounter is the backend's usage report for one period.
type UsageCounter struct {
	Used    int
	Limit   Limit
	ResetAt time.Time
	Tier    Tier
}

// NearLimitPercent is the usage share at which NearLimit reports true.
const NearLimitPercent = 80.0

// Guard is confined to the event loop.
type Guard struct {
	counter UsageCounter
	known   bool
	logger  *slog.Logger
}

// NewGuard returns a guard with no counter yet.
func NewGuard(logger *slog.Logger) *Guard {
	return &Guard{logger: logging.NewComponentLogger(logger, "quota")}
}

// Update replaces the counter with an authoritative fetch. A counter for the
// same period with lower usage is dropped and reported as false.
func (g *Guard) Update(c UsageCounter) bool {
	if c.Used < 0 {
		c.Used = 0
	}
	if g.known && c.ResetAt.Equal(g.counter.ResetAt) && c.Used < g.counter.Used {
		logging.WarnWithContext(g.logger, "usage counter regressed within period; keeping previous value", "quota_regression",
			logging.Int("previous_used", g.counter.Used),
			logging.Int("fetched_used", c.Used),
			logging.Time("reset_at", c.ResetAt),
			logging.String(logging.FieldErrorHint, "backend returned stale usage; next fetch usually corrects it"),
			logging.String(logging.FieldImpact, "quota display keeps the higher value"),
		)
		return false
	}
	g.counter = c
	g.known = true
	return true
}

// Known reports whether any counter has been fetched.
func (g *Guard) Known() bool { return g.known }

// Counter returns the last accepted counter.
func (g *Guard) Counter() (UsageCounter, bool) { return g.counter, g.known }

// Tier returns the last reported tier.
func (g *Guard) Tier() Tier { return g.counter.Tier }

// Remaining returns how many units are left. Unlimited yields Unlimited; an
// unknown counter yields Finite(0).
func (g *Guard) Remaining() Limit {
	if !g.known {
		return Finite(0)
	}
	limit, ok := g.counter.Limit.Value()
	if !ok {
		return Unlimited
	}
	if left := limit - g.counter.Used; left > 0 {
		return Finite(left)
	}
	return Finite(0)
}

// PercentUsed returns 0..100. Unlimited always reports 0 and a zero limit
// reports 100.
func (g *Guard) PercentUsed() float64 {
	if !g.known {
		return 0
	}
	limit, ok := g.counter.Limit.Value()
	if !ok {
		return 0
	}
	if limit == 0 {
		return 100
	}
	pct := float64(g.counter.Used) / float64(limit) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// WouldExceed reports whether consuming n more units would pass the limit.
// It is false for unlimited principals and before the first fetch.
func (g *Guard) WouldExceed(n int) bool {
	if !g.known || n <= 0 {
		return false
	}
	limit, ok := g.counter.Limit.Value()
	if !ok {
		return false
	}
	return g.counter.Used+n > limit
}

// NearLimit reports whether usage reached NearLimitPercent of a finite limit.
func (g *Guard) NearLimit() bool {
	return g.known && !g.counter.Limit.IsUnlimited() && g.PercentUsed() >= NearLimitPercent
}

// Display renders "12 / 100 (12%)" or "unlimited".
func (g *Guard) Display() string {
	if !g.known {
		return "unknown"
	}
	if g.counter.Limit.IsUnlimited() {
		return fmt.Sprintf("%d used (unlimited)", g.counter.Used)
	}
	return fmt.Sprintf("%d / %s (%.0f%%)", g.counter.Used, g.counter.Limit, g.PercentUsed())
}
