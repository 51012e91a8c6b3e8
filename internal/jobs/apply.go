package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition marks snapshots that would move a job backwards.
var ErrInvalidTransition = errors.New("invalid job transition")

// TransitionError describes a rejected snapshot.
type TransitionError struct {
	JobID  string
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("job %s: %s -> %s", e.JobID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// FromSnapshot builds a job from a backend snapshot that has no local
// counterpart yet.
func FromSnapshot(s Snapshot, now time.Time) (*Job, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return nil, errors.New("snapshot without id")
	}
	created := s.CreatedAt
	if created.IsZero() {
		created = now
	}
	job := &Job{ID: id, Status: StatusPending, CreatedAt: created, UpdatedAt: now}
	if _, err := job.Apply(s, now); err != nil {
		return nil, err
	}
	return job, nil
}

// Apply merges a fetched snapshot into the job. It reports whether any field
// changed. A snapshot that would regress the job returns a *TransitionError
// and leaves the job untouched.
func (j *Job) Apply(s Snapshot, now time.Time) (bool, error) {
	if j == nil {
		return false, errors.New("apply to nil job")
	}
	if id := strings.TrimSpace(s.ID); id != "" && id != j.ID {
		return false, fmt.Errorf("snapshot %s applied to job %s", id, j.ID)
	}
	next, cancelled, ok := ParseStatus(s.Status)
	if !ok {
		return false, &TransitionError{JobID: j.ID, From: j.Status, To: Status(s.Status), Reason: "unknown status"}
	}
	if next.Rank() < j.Status.Rank() {
		return false, &TransitionError{JobID: j.ID, From: j.Status, To: next, Reason: "status regression"}
	}
	if j.Status.IsTerminal() && next != j.Status {
		return false, &TransitionError{JobID: j.ID, From: j.Status, To: next, Reason: "terminal status is final"}
	}

	changed := false
	if next != j.Status {
		j.Status = next
		changed = true
		if next.IsTerminal() {
			observed := now
			j.CompletedAt = &observed
		}
	}

	switch j.Status {
	case StatusProcessing:
		progress := clampProgress(s.Progress)
		if progress > j.Progress {
			j.Progress = progress
			changed = true
		}
	case StatusCompleted:
		if j.Progress != 100 {
			j.Progress = 100
			changed = true
		}
		if j.Result == nil && s.TotalRows != nil {
			j.Result = &ResultSummary{
				TotalRows:        *s.TotalRows,
				SuccessfulParses: intOrZero(s.SuccessfulParses),
				FailedParses:     intOrZero(s.FailedParses),
			}
			changed = true
		}
	case StatusFailed:
		if j.Error == nil {
			msg := strings.TrimSpace(s.ErrorMessage)
			if cancelled && msg == "" {
				msg = CancelledMessage
			}
			if msg == "" {
				msg = "processing failed"
			}
			j.Error = &ErrorDetail{Message: msg}
			changed = true
		}
	}

	if j.ExpiresAt == nil && s.ExpiresAt != nil {
		deadline := *s.ExpiresAt
		j.ExpiresAt = &deadline
		changed = true
	}
	if j.Filename == "" && strings.TrimSpace(s.Filename) != "" {
		j.Filename = strings.TrimSpace(s.Filename)
		changed = true
	}
	if changed {
		j.UpdatedAt = now
	}
	return changed, nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
