package workflow

import (
	"context"
	"time"

	"parsewatch/internal/activation"
	"parsewatch/internal/backend"
	"parsewatch/internal/expiry"
	"parsewatch/internal/jobs"
	"parsewatch/internal/logging"
	"parsewatch/internal/notifications"
	"parsewatch/internal/quota"
)

// EventKind names a coordinator event.
type EventKind string

const (
	EventJobsChanged    EventKind = "jobs_changed"
	EventJobFinished    EventKind = "job_finished"
	EventJobWarning     EventKind = "job_warning"
	EventJobExpired     EventKind = "job_expired"
	EventSyncDegraded   EventKind = "sync_degraded"
	EventSyncRecovered  EventKind = "sync_recovered"
	EventQuotaUpdated   EventKind = "quota_updated"
	EventGraceExpired   EventKind = "grace_expired"
	EventGraceConfirmed EventKind = "grace_confirmed"
)

// Event is delivered to subscribers on the loop. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind
	At        time.Time
	JobID     string
	Job       *jobs.Job
	Jobs      []jobs.Job
	Changed   []string
	Remaining time.Duration
	Reason    activation.Reason
	Reasons   []activation.Reason
	Failures  int
	Err       error
}

// JobsUpdated implements poller.Observer.
func (c *Coordinator) JobsUpdated(snapshot []jobs.Job, changed []string) {
	byID := make(map[string]jobs.Job, len(snapshot))
	for _, job := range snapshot {
		byID[job.ID] = job
	}
	anyFinished := false
	for _, id := range changed {
		if _, gone := c.expired[id]; gone {
			c.poller.Forget(id)
			continue
		}
		job, ok := byID[id]
		if !ok {
			continue
		}
		c.attach(job)
		if _, gone := c.expired[id]; gone {
			continue
		}
		if job.Status.IsTerminal() && !c.finished[id] {
			c.finished[id] = true
			anyFinished = true
			cp := job.Clone()
			c.emit(Event{Kind: EventJobFinished, JobID: id, Job: &cp})
			if job.Status == jobs.StatusCompleted {
				c.publish(notifications.EventJobCompleted, jobPayload(job))
			} else {
				c.publish(notifications.EventJobFailed, jobPayload(job))
			}
		}
	}
	c.emit(Event{Kind: EventJobsChanged, Jobs: c.poller.Snapshot(), Changed: changed})
	if anyFinished {
		c.refreshQuotaAsync()
	}
}

// SyncDegraded implements poller.Observer.
func (c *Coordinator) SyncDegraded(err error, failures int) {
	c.emit(Event{Kind: EventSyncDegraded, Err: err, Failures: failures})
	c.publish(notifications.EventSyncDegraded, notifications.Payload{"error": err.Error(), "failures": failures})
}

// SyncRecovered implements poller.Observer.
func (c *Coordinator) SyncRecovered() {
	c.emit(Event{Kind: EventSyncRecovered})
	c.publish(notifications.EventSyncRecovered, nil)
}

func (c *Coordinator) attach(job jobs.Job) {
	if _, gone := c.expired[job.ID]; gone {
		return
	}
	c.tracker.Attach(job)
}

func (c *Coordinator) onExpiry(ev expiry.Event) {
	job, tracked := c.poller.Job(ev.JobID)
	payload := notifications.Payload{"jobID": ev.JobID}
	if tracked {
		payload["filename"] = job.Filename
	}
	switch ev.Kind {
	case expiry.Warning:
		payload["remaining"] = ev.Remaining.Round(time.Second).String()
		c.emit(Event{Kind: EventJobWarning, At: ev.At, JobID: ev.JobID, Remaining: ev.Remaining})
		c.publish(notifications.EventJobExpiring, payload)
	case expiry.Expired:
		c.markExpired(ev.JobID, ev.Deadline)
		c.emit(Event{Kind: EventJobExpired, At: ev.At, JobID: ev.JobID, Remaining: ev.Remaining})
		c.publish(notifications.EventJobExpired, payload)
	}
}

// markExpired records the deadline a job's results disappeared at.
func (c *Coordinator) markExpired(id string, deadline time.Time) {
	if _, ok := c.expired[id]; ok {
		return
	}
	c.expired[id] = deadline
	c.tracker.Detach(id)
	c.poller.Forget(id)
	delete(c.finished, id)
}

func (c *Coordinator) onGraceExpired(reason activation.Reason) {
	c.emit(Event{Kind: EventGraceExpired, Reason: reason})
	c.publish(notifications.EventGraceExpired, notifications.Payload{"reason": string(reason)})
}

func (c *Coordinator) onGraceConfirmed(reasons []activation.Reason) {
	c.emit(Event{Kind: EventGraceConfirmed, Reasons: reasons})
}

// fetchEntitlement runs off the loop on behalf of the reconciler. The usage
// counter rides along and is applied on the loop.
func (c *Coordinator) fetchEntitlement(ctx context.Context) (bool, error) {
	ent, err := c.client.Entitlement(ctx)
	if err != nil {
		return false, err
	}
	c.loop.Post(func() {
		if !c.closed {
			c.applyUsage(ent.Usage)
		}
	})
	return ent.Active, nil
}

func (c *Coordinator) refreshQuotaAsync() {
	if c.quotaInFlight || c.closed {
		return
	}
	c.quotaInFlight = true
	timeout := c.opts.RequestTimeout
	c.loop.Go(func() {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		ent, err := c.client.Entitlement(ctx)
		cancel()
		c.loop.Post(func() {
			c.quotaInFlight = false
			if c.closed {
				return
			}
			if err != nil {
				c.logger.Debug("quota refresh failed", logging.Error(err))
				return
			}
			c.applyEntitlement(ent)
		})
	})
}

func (c *Coordinator) applyEntitlement(ent backend.Entitlement) {
	c.applyUsage(ent.Usage)
	c.reconciler.Observe(ent.Active)
}

func (c *Coordinator) applyUsage(counter quota.UsageCounter) {
	if c.guard.Update(counter) {
		c.emit(Event{Kind: EventQuotaUpdated})
	}
}
