package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"parsewatch/internal/activation"
	"parsewatch/internal/backend"
	"parsewatch/internal/jobs"
	"parsewatch/internal/logging"
	"parsewatch/internal/quota"
)

// QuotaStatus is a copy of the quota guard's view.
type QuotaStatus struct {
	Known       bool
	Counter     quota.UsageCounter
	Remaining   quota.Limit
	PercentUsed float64
	NearLimit   bool
	Display     string
}

// Upload sends content to the backend and starts tracking the new job.
func (c *Coordinator) Upload(ctx context.Context, filename string, content io.Reader) (jobs.Job, error) {
	var (
		blocked bool
		display string
	)
	if err := c.call(ctx, func() {
		blocked = c.guard.WouldExceed(1)
		display = c.guard.Display()
	}); err != nil {
		return jobs.Job{}, err
	}
	if blocked {
		return jobs.Job{}, fmt.Errorf("%w: %s", ErrQuotaExceeded, display)
	}

	ack, err := c.client.Upload(ctx, filename, content)
	if err != nil {
		return jobs.Job{}, err
	}

	var job jobs.Job
	if err := c.call(ctx, func() {
		created := jobs.New(ack.JobID, filename, c.loop.Now(), ack.EstimatedSeconds)
		c.poller.Track(*created)
		job = created.Clone()
	}); err != nil {
		return jobs.Job{}, err
	}
	c.logger.Info("job uploaded",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("filename", filename),
		logging.Int("estimated_seconds", ack.EstimatedSeconds),
		logging.String(logging.FieldEventType, "job_uploaded"),
	)
	return job, nil
}

// Track fetches a job created elsewhere and starts tracking it.
func (c *Coordinator) Track(ctx context.Context, id string) (jobs.Job, error) {
	id = strings.TrimSpace(id)
	snap, err := c.client.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, backend.ErrResourceGone) {
			_ = c.call(ctx, func() { c.markExpired(id, c.loop.Now()) })
			return jobs.Job{}, jobError(ErrJobExpired, id, "")
		}
		return jobs.Job{}, err
	}

	var (
		job      jobs.Job
		applyErr error
	)
	if err := c.call(ctx, func() {
		if _, gone := c.expired[id]; gone {
			applyErr = jobError(ErrJobExpired, id, "")
			return
		}
		if existing, ok := c.poller.Job(id); ok {
			job = existing
			return
		}
		created, err := jobs.FromSnapshot(snap, c.loop.Now())
		if err != nil {
			applyErr = err
			return
		}
		c.poller.Track(*created)
		if created.Status.IsTerminal() {
			c.finished[id] = true
		}
		job = created.Clone()
		c.attach(job)
	}); err != nil {
		return jobs.Job{}, err
	}
	return job, applyErr
}

// Sync lists every job once and tracks all of them. Short-lived callers use
// it in place of the poll cycle. Jobs already past their deadline are
// returned but not kept.
func (c *Coordinator) Sync(ctx context.Context) ([]jobs.Job, error) {
	snaps, err := c.client.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []jobs.Job
	err = c.call(ctx, func() {
		now := c.loop.Now()
		live := make([]jobs.Snapshot, 0, len(snaps))
		for _, s := range snaps {
			if _, gone := c.expired[s.ID]; gone {
				continue
			}
			if _, known := c.poller.Job(s.ID); !known {
				if st, _, ok := jobs.ParseStatus(s.Status); ok && st.IsTerminal() {
					c.finished[s.ID] = true
				}
			}
			live = append(live, s)
		}
		c.poller.Ingest(live, true)
		for _, s := range snaps {
			if job, ok := c.poller.Job(s.ID); ok {
				out = append(out, job)
				continue
			}
			if job, err := jobs.FromSnapshot(s, now); err == nil {
				out = append(out, job.Clone())
			}
		}
	})
	return out, err
}

// PollNow asks the poller for an immediate fetch.
func (c *Coordinator) PollNow(ctx context.Context) error {
	return c.call(ctx, c.poller.PollNow)
}

// Jobs returns copies of every tracked job.
func (c *Coordinator) Jobs(ctx context.Context) ([]jobs.Job, error) {
	var out []jobs.Job
	err := c.call(ctx, func() { out = c.poller.Snapshot() })
	return out, err
}

// Job returns one tracked job.
func (c *Coordinator) Job(ctx context.Context, id string) (jobs.Job, bool, error) {
	var (
		job jobs.Job
		ok  bool
	)
	err := c.call(ctx, func() { job, ok = c.poller.Job(id) })
	return job, ok, err
}

// ActiveCount reports how many tracked jobs are still being polled.
func (c *Coordinator) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := c.call(ctx, func() { n = c.poller.ActiveCount() })
	return n, err
}

// Remaining returns the signed time left before a job's results expire.
func (c *Coordinator) Remaining(ctx context.Context, id string) (time.Duration, bool, error) {
	var (
		remaining time.Duration
		ok        bool
	)
	err := c.call(ctx, func() {
		if deadline, gone := c.expired[id]; gone {
			remaining, ok = deadline.Sub(c.loop.Now()), true
			return
		}
		if job, tracked := c.poller.Job(id); tracked {
			remaining, ok = c.tracker.Remaining(job)
		}
	})
	return remaining, ok, err
}

// IsExpired reports whether a job's results are gone.
func (c *Coordinator) IsExpired(ctx context.Context, id string) (bool, error) {
	var expired bool
	err := c.call(ctx, func() { expired = c.isExpiredOnLoop(id) })
	return expired, err
}

func (c *Coordinator) isExpiredOnLoop(id string) bool {
	if _, gone := c.expired[id]; gone {
		return true
	}
	job, ok := c.poller.Job(id)
	if ok && c.tracker.IsExpired(job) {
		deadline, _ := c.tracker.Deadline(job)
		c.markExpired(id, deadline)
		return true
	}
	return false
}

// checkReady fails fast for jobs known to be expired, failed, or unfinished.
// Untracked jobs are left to the backend.
func (c *Coordinator) checkReady(ctx context.Context, id string) error {
	var ready error
	if err := c.call(ctx, func() {
		if c.isExpiredOnLoop(id) {
			ready = jobError(ErrJobExpired, id, "")
			return
		}
		job, ok := c.poller.Job(id)
		if !ok {
			return
		}
		switch job.Status {
		case jobs.StatusCompleted:
		case jobs.StatusFailed:
			msg := ""
			if job.Error != nil {
				msg = job.Error.Message
			}
			ready = jobError(ErrJobFailed, id, msg)
		default:
			ready = jobError(ErrJobNotReady, id, string(job.Status))
		}
	}); err != nil {
		return err
	}
	return ready
}

func (c *Coordinator) resourceGone(ctx context.Context, id string, err error) error {
	if !errors.Is(err, backend.ErrResourceGone) {
		return err
	}
	_ = c.call(ctx, func() { c.markExpired(id, c.loop.Now()) })
	logging.WarnWithContext(c.logger, "job results no longer available", "job_gone",
		logging.String(logging.FieldJobID, id),
		logging.Error(err),
		logging.String(logging.FieldImpact, "results must be regenerated by uploading the file again"),
	)
	return fmt.Errorf("job %s: %w: %w", id, ErrJobExpired, err)
}

// Results fetches parsed rows for a completed job.
func (c *Coordinator) Results(ctx context.Context, id string, limit int) (backend.Results, error) {
	if err := c.checkReady(ctx, id); err != nil {
		return backend.Results{}, err
	}
	res, err := c.client.Results(ctx, id, limit)
	if err != nil {
		return backend.Results{}, c.resourceGone(ctx, id, err)
	}
	return res, nil
}

// Download streams the result file for a completed job into w.
func (c *Coordinator) Download(ctx context.Context, id string, w io.Writer) (int64, string, error) {
	if err := c.checkReady(ctx, id); err != nil {
		return 0, "", err
	}
	n, name, err := c.client.Download(ctx, id, w)
	if err != nil {
		return n, name, c.resourceGone(ctx, id, err)
	}
	c.logger.Info("results downloaded",
		logging.String(logging.FieldJobID, id),
		logging.Int64("bytes", n),
		logging.String(logging.FieldEventType, "job_downloaded"),
	)
	return n, name, nil
}

// Delete removes a job server-side and forgets it locally. A job the backend
// no longer knows is forgotten as well.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	err := c.client.Delete(ctx, id)
	if err != nil && !errors.Is(err, backend.ErrNotFound) && !errors.Is(err, backend.ErrResourceGone) {
		return err
	}
	if cerr := c.call(ctx, func() {
		c.tracker.Detach(id)
		c.poller.Forget(id)
		delete(c.finished, id)
	}); cerr != nil {
		return cerr
	}
	return err
}

// RefreshQuota fetches the entitlement synchronously and applies it.
func (c *Coordinator) RefreshQuota(ctx context.Context) (QuotaStatus, error) {
	ent, err := c.client.Entitlement(ctx)
	if err != nil {
		return QuotaStatus{}, err
	}
	var status QuotaStatus
	err = c.call(ctx, func() {
		c.applyEntitlement(ent)
		status = c.quotaStatus()
	})
	return status, err
}

// Quota returns the last known quota without fetching.
func (c *Coordinator) Quota(ctx context.Context) (QuotaStatus, error) {
	var status QuotaStatus
	err := c.call(ctx, func() { status = c.quotaStatus() })
	return status, err
}

func (c *Coordinator) quotaStatus() QuotaStatus {
	counter, known := c.guard.Counter()
	return QuotaStatus{
		Known:       known,
		Counter:     counter,
		Remaining:   c.guard.Remaining(),
		PercentUsed: c.guard.PercentUsed(),
		NearLimit:   c.guard.NearLimit(),
		Display:     c.guard.Display(),
	}
}

// TriggerGrace opens a provisional access window.
func (c *Coordinator) TriggerGrace(ctx context.Context, reason activation.Reason) error {
	var triggerErr error
	if err := c.call(ctx, func() { triggerErr = c.reconciler.Trigger(reason) }); err != nil {
		return err
	}
	return triggerErr
}

// MarkRegistrationPending records a registration in progress.
func (c *Coordinator) MarkRegistrationPending(ctx context.Context) error {
	var markErr error
	if err := c.call(ctx, func() { markErr = c.reconciler.MarkRegistrationPending() }); err != nil {
		return err
	}
	return markErr
}

// ObserveRedirect feeds a checkout landing URL to the reconciler.
func (c *Coordinator) ObserveRedirect(ctx context.Context, rawURL string) (bool, error) {
	var (
		triggered bool
		obsErr    error
	)
	if err := c.call(ctx, func() { triggered, obsErr = c.reconciler.ObserveRedirect(rawURL) }); err != nil {
		return false, err
	}
	return triggered, obsErr
}

// ActivationStatus reports every grace window.
func (c *Coordinator) ActivationStatus(ctx context.Context) (activation.Status, error) {
	var st activation.Status
	err := c.call(ctx, func() { st = c.reconciler.Status() })
	return st, err
}

// Entitled reports whether paid functionality may be used right now.
func (c *Coordinator) Entitled(ctx context.Context) (bool, error) {
	var ok bool
	err := c.call(ctx, func() { ok = c.reconciler.Entitled() })
	return ok, err
}

// ClearActivation drops every grace window and persisted marker.
func (c *Coordinator) ClearActivation(ctx context.Context) error {
	var clearErr error
	if err := c.call(ctx, func() { clearErr = c.reconciler.Clear() }); err != nil {
		return err
	}
	return clearErr
}

// Resume re-evaluates deadlines after the process was suspended.
func (c *Coordinator) Resume(ctx context.Context) error {
	return c.call(ctx, c.tracker.Resume)
}
