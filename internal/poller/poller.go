// Package poller keeps tracked jobs in sync with the backend.
//
// A Poller issues one batched list request per interval for all jobs that
// are still pending or processing, merges the results under the job
// monotonicity rules, and notifies observers once the whole batch is merged.
// The interval timer only runs while at least one tracked job is active.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"parsewatch/internal/eventloop"
	"parsewatch/internal/jobs"
	"parsewatch/internal/logging"
)

const (
	DefaultInterval          = 3 * time.Second
	DefaultMaxSilentFailures = 3
)

// Lister is the backend call the poller needs.
type Lister interface {
	ListJobs(ctx context.Context) ([]jobs.Snapshot, error)
}

// Observer receives poller notifications on the loop.
type Observer interface {
	// JobsUpdated is called after a tick changed at least one job. snapshot
	// holds copies of every tracked job; changed lists the ids that moved.
	JobsUpdated(snapshot []jobs.Job, changed []string)
	// SyncDegraded is called once when consecutive failures reach the
	// configured bound.
	SyncDegraded(err error, failures int)
	// SyncRecovered is called on the first success after SyncDegraded.
	SyncRecovered()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnJobsUpdated   func(snapshot []jobs.Job, changed []string)
	OnSyncDegraded  func(err error, failures int)
	OnSyncRecovered func()
}

func (o ObserverFuncs) JobsUpdated(snapshot []jobs.Job, changed []string) {
	if o.OnJobsUpdated != nil {
		o.OnJobsUpdated(snapshot, changed)
	}
}

func (o ObserverFuncs) SyncDegraded(err error, failures int) {
	if o.OnSyncDegraded != nil {
		o.OnSyncDegraded(err, failures)
	}
}

func (o ObserverFuncs) SyncRecovered() {
	if o.OnSyncRecovered != nil {
		o.OnSyncRecovered()
	}
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	// Timeout bounds each list request; zero leaves it to the Lister.
	Timeout           time.Duration
	MaxSilentFailures int
	// AdoptUnknown tracks jobs the backend lists but this process never
	// registered.
	AdoptUnknown bool
	Logger       *slog.Logger
}

// Poller is confined to its loop. Construct it anywhere, then call its
// methods only from loop callbacks.
type Poller struct {
	loop   eventloop.Loop
	lister Lister
	opts   Options
	logger *slog.Logger

	jobs      map[string]*jobs.Job
	active    map[string]struct{}
	observers []Observer

	ticker      eventloop.Timer
	inFlight    bool
	cancelFetch context.CancelFunc
	generation  uint64

	failures int
	degraded bool
	lastErr  error
	fetches  int
	closed   bool
}

// New constructs a poller.
func New(loop eventloop.Loop, lister Lister, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxSilentFailures <= 0 {
		opts.MaxSilentFailures = DefaultMaxSilentFailures
	}
	return &Poller{
		loop:   loop,
		lister: lister,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "poller"),
		jobs:   make(map[string]*jobs.Job),
		active: make(map[string]struct{}),
	}
}

// Subscribe registers an observer.
func (p *Poller) Subscribe(obs Observer) {
	if obs != nil {
		p.observers = append(p.observers, obs)
	}
}

// Track registers a job. Non-terminal jobs join the active set and start the
// interval if it was stopped. Tracking a known id again is a no-op.
func (p *Poller) Track(job jobs.Job) {
	if p.closed || job.ID == "" {
		return
	}
	if _, ok := p.jobs[job.ID]; ok {
		return
	}
	cp := job.Clone()
	p.jobs[job.ID] = &cp
	if cp.Status.IsActive() {
		p.active[job.ID] = struct{}{}
		p.ensureTicker()
	}
	p.logger.Debug("job tracked",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldJobStatus, string(job.Status)),
	)
}

// Snapshot returns copies of every tracked job ordered by creation time.
func (p *Poller) Snapshot() []jobs.Job {
	out := make([]jobs.Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Job returns a copy of one tracked job.
func (p *Poller) Job(id string) (jobs.Job, bool) {
	job, ok := p.jobs[id]
	if !ok {
		return jobs.Job{}, false
	}
	return job.Clone(), true
}

// Stop removes a job from the active poll set. The job stays in Snapshot.
func (p *Poller) Stop(id string) {
	delete(p.active, id)
	p.quiesceIfIdle()
}

// Forget drops a job entirely, for example after it was deleted or expired.
func (p *Poller) Forget(id string) {
	delete(p.jobs, id)
	delete(p.active, id)
	p.quiesceIfIdle()
}

// Polling reports whether the interval timer is armed.
func (p *Poller) Polling() bool { return p.ticker != nil }

// ActiveCount returns how many jobs are still polled.
func (p *Poller) ActiveCount() int { return len(p.active) }

// Fetches returns how many list requests were issued.
func (p *Poller) Fetches() int { return p.fetches }

// Degraded reports whether the last failures reached the bound.
func (p *Poller) Degraded() (bool, error) { return p.degraded, p.lastErr }

// PollNow issues a fetch immediately unless one is in flight. It also works
// with an empty active set, which lets callers adopt existing jobs.
func (p *Poller) PollNow() {
	p.fetch()
}

// Close cancels the timer and any in-flight fetch. Results that arrive after
// Close are discarded.
func (p *Poller) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.generation++
	p.stopTicker()
	if p.cancelFetch != nil {
		p.cancelFetch()
		p.cancelFetch = nil
	}
	p.inFlight = false
}

func (p *Poller) ensureTicker() {
	if p.ticker != nil || p.closed || len(p.active) == 0 {
		return
	}
	p.ticker = p.loop.Every(p.opts.Interval, p.tick)
	p.logger.Debug("polling started", logging.Duration("interval", p.opts.Interval))
}

func (p *Poller) stopTicker() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
}

func (p *Poller) quiesceIfIdle() {
	if len(p.active) == 0 && p.ticker != nil {
		p.stopTicker()
		p.logger.Debug("polling stopped; no active jobs")
	}
}

func (p *Poller) tick() {
	if len(p.active) == 0 {
		p.quiesceIfIdle()
		return
	}
	p.fetch()
}

func (p *Poller) fetch() {
	if p.closed || p.inFlight {
		return
	}
	p.inFlight = true
	p.fetches++
	gen := p.generation

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), p.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	p.cancelFetch = cancel
	lister := p.lister
	p.loop.Go(func() {
		snaps, err := lister.ListJobs(ctx)
		cancel()
		p.loop.Post(func() { p.complete(gen, snaps, err) })
	})
}

func (p *Poller) complete(gen uint64, snaps []jobs.Snapshot, err error) {
	if p.closed || gen != p.generation {
		return
	}
	p.inFlight = false
	p.cancelFetch = nil

	if err != nil {
		p.failures++
		p.lastErr = err
		p.logger.Debug("job poll failed",
			logging.Int("consecutive_failures", p.failures),
			logging.Error(err),
		)
		if p.failures >= p.opts.MaxSilentFailures && !p.degraded {
			p.degraded = true
			logging.WarnWithContext(p.logger, "job sync degraded", "sync_degraded",
				logging.Int("consecutive_failures", p.failures),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check network connectivity and api.base_url"),
				logging.String(logging.FieldImpact, "job status may be stale until the backend responds"),
			)
			for _, obs := range p.observers {
				if p.closed {
					return
				}
				obs.SyncDegraded(err, p.failures)
			}
		}
		return
	}

	changed := p.merge(snaps, p.opts.AdoptUnknown)
	p.failures = 0
	p.lastErr = nil
	recovered := p.degraded
	p.degraded = false
	p.quiesceIfIdle()

	if recovered {
		p.logger.Info("job sync recovered", logging.String(logging.FieldEventType, "sync_recovered"))
		for _, obs := range p.observers {
			if p.closed {
				return
			}
			obs.SyncRecovered()
		}
	}
	p.notify(changed)
}

// Ingest merges snapshots fetched outside the poll cycle, such as a one-shot
// listing. adopt admits unknown jobs for this batch regardless of
// Options.AdoptUnknown.
func (p *Poller) Ingest(snaps []jobs.Snapshot, adopt bool) {
	if p.closed {
		return
	}
	changed := p.merge(snaps, adopt || p.opts.AdoptUnknown)
	p.quiesceIfIdle()
	p.notify(changed)
}

func (p *Poller) notify(changed []string) {
	if len(changed) == 0 {
		return
	}
	snapshot := p.Snapshot()
	for _, obs := range p.observers {
		if p.closed {
			return
		}
		obs.JobsUpdated(snapshot, changed)
	}
}

func (p *Poller) merge(snaps []jobs.Snapshot, adopt bool) []string {
	now := p.loop.Now()
	var changed []string
	for _, snap := range snaps {
		job, ok := p.jobs[snap.ID]
		if !ok {
			if !adopt {
				continue
			}
			adopted, err := jobs.FromSnapshot(snap, now)
			if err != nil {
				p.reportAnomaly(snap, err)
				continue
			}
			p.jobs[adopted.ID] = adopted
			if adopted.Status.IsActive() {
				p.active[adopted.ID] = struct{}{}
				p.ensureTicker()
			}
			changed = append(changed, adopted.ID)
			continue
		}

		didChange, err := job.Apply(snap, now)
		if err != nil {
			p.reportAnomaly(snap, err)
			continue
		}
		if didChange {
			changed = append(changed, job.ID)
			p.logger.Debug("job updated",
				logging.String(logging.FieldJobID, job.ID),
				logging.String(logging.FieldJobStatus, string(job.Status)),
				logging.Int("progress", job.Progress),
			)
		}
		if job.Status.IsTerminal() {
			if _, wasActive := p.active[job.ID]; wasActive {
				delete(p.active, job.ID)
				p.logger.Info("job finished",
					logging.String(logging.FieldJobID, job.ID),
					logging.String(logging.FieldJobStatus, string(job.Status)),
					logging.String(logging.FieldEventType, "job_"+string(job.Status)),
				)
			}
		}
	}
	sort.Strings(changed)
	return changed
}

func (p *Poller) reportAnomaly(snap jobs.Snapshot, err error) {
	attrs := []logging.Attr{
		logging.String(logging.FieldJobID, snap.ID),
		logging.String("fetched_status", snap.Status),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "backend returned an out-of-order snapshot; it was ignored"),
		logging.String(logging.FieldImpact, "none; local job state kept"),
	}
	eventType := "job_anomaly"
	if errors.Is(err, jobs.ErrInvalidTransition) {
		eventType = "job_regression"
	}
	logging.WarnWithContext(p.logger, "dropped job snapshot", eventType, attrs...)
}
