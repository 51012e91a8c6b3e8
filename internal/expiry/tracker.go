package expiry

import (
	"log/slog"
	"sort"
	"time"

	"parsewatch/internal/eventloop"
	"parsewatch/internal/jobs"
	"parsewatch/internal/logging"
)

// Kind identifies an expiration event.
type Kind int

const (
	// Warning fires once when the remaining time first drops to the threshold.
	Warning Kind = iota + 1
	// Expired fires once when the deadline passes.
	Expired
)

func (k Kind) String() string {
	switch k {
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners on the loop.
type Event struct {
	JobID     string
	Kind      Kind
	Deadline  time.Time
	Remaining time.Duration
	At        time.Time
}

// Options configures a Tracker.
type Options struct {
	WarningThreshold time.Duration
	// Retention is used only when DeriveMissingDeadline is set: a terminal
	// job without expiresAt is given CompletedAt+Retention.
	Retention             time.Duration
	DeriveMissingDeadline bool
	Logger                *slog.Logger
}

type watch struct {
	id       string
	deadline time.Time
	warned   bool
	expired  bool
}

// Tracker is confined to its loop; every method must be called from a loop
// callback (or before the loop starts).
type Tracker struct {
	loop      eventloop.Loop
	opts      Options
	logger    *slog.Logger
	watched   map[string]*watch
	listeners []func(Event)
	timer     eventloop.Timer
	timerAt   time.Time
	closed    bool
}

// NewTracker constructs a tracker on loop.
func NewTracker(loop eventloop.Loop, opts Options) *Tracker {
	if opts.WarningThreshold < 0 {
		opts.WarningThreshold = 0
	}
	return &Tracker{
		loop:    loop,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "expiry"),
		watched: make(map[string]*watch),
	}
}

// OnEvent registers a listener. Listeners run on the loop in registration
// order.
func (t *Tracker) OnEvent(fn func(Event)) {
	if fn != nil {
		t.listeners = append(t.listeners, fn)
	}
}

// Deadline returns the job's deletion deadline, if one is known.
func (t *Tracker) Deadline(job jobs.Job) (time.Time, bool) {
	if job.ExpiresAt != nil {
		return *job.ExpiresAt, true
	}
	if t.opts.DeriveMissingDeadline && t.opts.Retention > 0 && job.Status.IsTerminal() && job.CompletedAt != nil {
		return job.CompletedAt.Add(t.opts.Retention), true
	}
	return time.Time{}, false
}

// Remaining returns the signed duration until the job's deadline. The second
// result is false when no deadline is known.
func (t *Tracker) Remaining(job jobs.Job) (time.Duration, bool) {
	deadline, ok := t.Deadline(job)
	if !ok {
		return 0, false
	}
	return deadline.Sub(t.loop.Now()), true
}

// IsExpired reports whether now is at or past the job's deadline.
func (t *Tracker) IsExpired(job jobs.Job) bool {
	remaining, ok := t.Remaining(job)
	return ok && remaining <= 0
}

// Attach starts watching the job. It returns false when the job has no
// deadline yet; callers attach again once a snapshot supplies one. Attaching
// an already watched job is a no-op because deadlines never change.
func (t *Tracker) Attach(job jobs.Job) bool {
	if t.closed {
		return false
	}
	if _, ok := t.watched[job.ID]; ok {
		return true
	}
	deadline, ok := t.Deadline(job)
	if !ok {
		return false
	}
	t.watched[job.ID] = &watch{id: job.ID, deadline: deadline}
	t.logger.Debug("deadline attached",
		logging.String(logging.FieldJobID, job.ID),
		logging.Time("deadline", deadline),
	)
	t.Evaluate()
	return true
}

// Detach stops watching a job without firing anything.
func (t *Tracker) Detach(id string) {
	if _, ok := t.watched[id]; !ok {
		return
	}
	delete(t.watched, id)
	t.rearm()
}

// Watching reports whether the job still has pending events.
func (t *Tracker) Watching(id string) bool {
	_, ok := t.watched[id]
	return ok
}

// Evaluate fires every boundary already crossed, in deadline order and
// warning before expired for the same job, then arms the timer for the next
// boundary.
func (t *Tracker) Evaluate() {
	if t.closed {
		return
	}
	now := t.loop.Now()

	pending := make([]*watch, 0, len(t.watched))
	for _, w := range t.watched {
		pending = append(pending, w)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].deadline.Equal(pending[j].deadline) {
			return pending[i].id < pending[j].id
		}
		return pending[i].deadline.Before(pending[j].deadline)
	})

	var events []Event
	for _, w := range pending {
		remaining := w.deadline.Sub(now)
		if !w.warned && remaining <= t.opts.WarningThreshold {
			w.warned = true
			events = append(events, Event{JobID: w.id, Kind: Warning, Deadline: w.deadline, Remaining: remaining, At: now})
		}
		if !w.expired && remaining <= 0 {
			w.expired = true
			events = append(events, Event{JobID: w.id, Kind: Expired, Deadline: w.deadline, Remaining: remaining, At: now})
		}
		if w.warned && w.expired {
			delete(t.watched, w.id)
		}
	}

	t.rearm()

	for _, ev := range events {
		t.logger.Info("expiration "+ev.Kind.String(),
			logging.String(logging.FieldJobID, ev.JobID),
			logging.String(logging.FieldEventType, "job_"+ev.Kind.String()),
			logging.Duration("remaining", ev.Remaining.Round(time.Second)),
		)
		for _, fn := range t.listeners {
			if t.closed {
				return
			}
			fn(ev)
		}
	}
}

// Resume recomputes every watched job after the process was suspended.
func (t *Tracker) Resume() {
	t.Evaluate()
}

// Close cancels the pending timer and stops all event delivery.
func (t *Tracker) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.stopTimer()
	t.watched = make(map[string]*watch)
}

func (t *Tracker) rearm() {
	next, ok := t.nextBoundary()
	if !ok {
		t.stopTimer()
		return
	}
	if t.timer != nil && t.timerAt.Equal(next) {
		return
	}
	t.stopTimer()
	delay := next.Sub(t.loop.Now())
	t.timerAt = next
	t.timer = t.loop.AfterFunc(delay, func() {
		t.timer = nil
		t.timerAt = time.Time{}
		t.Evaluate()
	})
}

func (t *Tracker) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
		t.timerAt = time.Time{}
	}
}

func (t *Tracker) nextBoundary() (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(at time.Time) {
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	for _, w := range t.watched {
		if !w.warned {
			consider(w.deadline.Add(-t.opts.WarningThreshold))
		} else if !w.expired {
			consider(w.deadline)
		}
	}
	return next, found
}
