package jobs

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a processing job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CancelledMessage is the error detail recorded when the backend reports a
// cancelled job, which is folded into StatusFailed.
const CancelledMessage = "cancelled"

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a backend status string into a known Status. The
// backend's "cancelled" is reported as StatusFailed with cancelled=true.
func ParseStatus(value string) (status Status, cancelled bool, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "pending", "queued":
		return StatusPending, false, true
	case "processing", "running":
		return StatusProcessing, false, true
	case "completed":
		return StatusCompleted, false, true
	case "failed":
		return StatusFailed, false, true
	case "cancelled", "canceled":
		return StatusFailed, true, true
	default:
		return "", false, false
	}
}

// Rank orders statuses along the lifecycle. Completed and Failed share the
// terminal rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether the status ends the job lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the job still needs polling.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// ResultSummary captures the outcome counts of a completed job.
type ResultSummary struct {
	TotalRows        int
	SuccessfulParses int
	FailedParses     int
}

// SuccessRate returns the percentage of rows parsed successfully.
func (r ResultSummary) SuccessRate() float64 {
	if r.TotalRows <= 0 {
		return 0
	}
	return float64(r.SuccessfulParses) / float64(r.TotalRows) * 100
}

// ErrorDetail describes why a job failed.
type ErrorDetail struct {
	Message string
}

// Job represents one submitted processing request.
type Job struct {
	ID               string
	Filename         string
	Status           Status
	Progress         int
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	Result           *ResultSummary
	Error            *ErrorDetail
	EstimatedSeconds int
	// UpdatedAt is the loop time at which a snapshot last changed the job.
	UpdatedAt time.Time
	// CompletedAt is the loop time at which the terminal status was first
	// observed. It is local bookkeeping, not a backend field.
	CompletedAt *time.Time
}

// Snapshot is the backend's view of a job as returned by the list and get
// endpoints. Optional fields are nil when the backend omitted them.
type Snapshot struct {
	ID               string
	Status           string
	Progress         int
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	Filename         string
	TotalRows        *int
	SuccessfulParses *int
	FailedParses     *int
	ErrorMessage     string
}

// New creates a pending job from an upload acknowledgment.
func New(id, filename string, createdAt time.Time, estimatedSeconds int) *Job {
	return &Job{
		ID:               strings.TrimSpace(id),
		Filename:         filename,
		Status:           StatusPending,
		CreatedAt:        createdAt,
		EstimatedSeconds: estimatedSeconds,
		UpdatedAt:        createdAt,
	}
}

// Clone returns a deep copy so callers outside the loop never share pointers
// with tracked state.
func (j Job) Clone() Job {
	out := j
	if j.ExpiresAt != nil {
		v := *j.ExpiresAt
		out.ExpiresAt = &v
	}
	if j.Result != nil {
		v := *j.Result
		out.Result = &v
	}
	if j.Error != nil {
		v := *j.Error
		out.Error = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// Label returns the filename when known, otherwise the job ID.
func (j Job) Label() string {
	if name := strings.TrimSpace(j.Filename); name != "" {
		return name
	}
	return j.ID
}
