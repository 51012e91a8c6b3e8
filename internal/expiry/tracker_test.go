package expiry_test

import (
	"testing"
	"time"

	"parsewatch/internal/eventloop"
	"parsewatch/internal/expiry"
	"parsewatch/internal/jobs"
)

var start = time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)

func jobExpiringAt(id string, at time.Time) jobs.Job {
	deadline := at
	return jobs.Job{ID: id, Status: jobs.StatusCompleted, CreatedAt: start, ExpiresAt: &deadline}
}

type recorder struct {
	events []expiry.Event
}

func (r *recorder) record(ev expiry.Event) { r.events = append(r.events, ev) }

func (r *recorder) count(kind expiry.Kind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestTrackerFiresEachBoundaryExactlyOnce(t *testing.T) {
	loop := eventloop.NewManual(start)
	tracker := expiry.NewTracker(loop, expiry.Options{WarningThreshold: 2 * time.Minute})
	rec := &recorder{}
	tracker.OnEvent(rec.record)

	job := jobExpiringAt("a", start.Add(3*time.Minute))
	if !tracker.Attach(job) {
		t.Fatal("expected job with deadline to attach")
	}

	for i := 0; i < 20; i++ {
		loop.Advance(15 * time.Second)
		tracker.Remaining(job)
		tracker.IsExpired(job)
		if i%4 == 0 {
			tracker.Evaluate()
		}
	}

	if rec.count(expiry.Warning) != 1 || rec.count(expiry.Expired) != 1 {
		t.Fatalf("expected one warning and one expired, got %+v", rec.events)
	}
	if got := rec.events[0].At.Sub(start); got != time.Minute {
		t.Fatalf("warning fired at %s, want 1m", got)
	}
	if got := rec.events[1].At.Sub(start); got != 3*time.Minute {
		t.Fatalf("expired fired at %s, want 3m", got)
	}
	if tracker.Watching("a") {
		t.Fatal("job should stop being watched once both events fired")
	}
	if loop.Pending() != 0 {
		t.Fatalf("expected no armed timers, got %d", loop.Pending())
	}
}

func TestTrackerRemainingIsSigned(t *testing.T) {
	loop := eventloop.NewManual(start)
	tracker := expiry.NewTracker(loop, expiry.Options{WarningThreshold: time.Minute})
	job := jobExpiringAt("a", start.Add(time.Minute))

	loop.Advance(90 * time.Second)
	remaining, ok := tracker.Remaining(job)
	if !ok || remaining != -30*time.Second {
		t.Fatalf("unexpected remaining %s ok=%v", remaining, ok)
	}
	if !tracker.IsExpired(job) {
		t.Fatal("expected job to be expired")
	}

	if _, ok := tracker.Remaining(jobs.Job{ID: "b"}); ok {
		t.Fatal("job without deadline should report no remaining time")
	}
}

func TestTrackerIsExpiredAtExactDeadline(t *testing.T) {
	loop := eventloop.NewManual(start)
	tracker := expiry.NewTracker(loop, expiry.Options{})
	job := jobExpiringAt("a", start.Add(time.Minute))
	loop.Advance(time.Minute - time.Nanosecond)
	if tracker.IsExpired(job) {
		t.Fatal("job expired before deadline")
	}
	loop.Advance(time.Nanosecond)
	if !tracker.IsExpired(job) {
		t.Fatal("job should be expired at the deadline")
	}
}

func TestTrackerResumeFiresMissedTransitionsInOrder(t *testing.T) {
	loop := eventloop.NewManual(start)
	tracker := expiry.NewTracker(loop, expiry.Options{WarningThreshold: 2 * time.Minute})
	rec := &recorder{}
	tracker.OnEvent(rec.record)

	tracker.Attach(jobExpiringAt("late", start.Add(6*time.Minute)))
	tracker.Attach(jobExpiringAt("early", start.Add(3*time.Minute)))

	loop.Jump(10 * time.Minute)
	if len(rec.events) != 0 {
		t.Fatalf("suspended process must not fire events: %+v", rec.events)
	}
	tracker.Resume()

	want := []struct {
		id   string
		kind expiry.Kind
	}{
		{"early", expiry.Warning},
		{"early", expiry.Expired},
		{"late", expiry.Warning},
		{"late", expiry.Expired},
	}
	if len(rec.events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), rec.events)
	}
	for i, w := range want {
		if rec.events[i].JobID != w.id || rec.events[i].Kind != w.kind {
			t.Fatalf("event %d = %s/%s, want %s/%s", i, rec.events[i].JobID, rec.events[i].Kind, w.id, w.kind)
		}
	}

	loop.Advance(time.Hour)
	if len(rec.events) != len(want) {
		t.Fatalf("stale timers fired after resume: %+v", rec.events)
	}
}

func TestTrackerAttachInsideWarningZoneWarnsImmediately(t *testing.T) {
	loop := eventloop.NewManual(start)
	tracker := expiry.NewTracker(loop, expiry.Options{WarningThreshold: 2 * time.Minute})
	rec := &recorder{}
	tracker.OnEvent(rec.record)

	tracker.Attach(jobExpiringAt("a", start.Add(90*time.Second)))
	if rec.count(expiry.Warning) != 1 || rec.count(expiry.Expired) != 0 {
		t.Fatalf("expected immediate warning only, got %+v", rec.events)
	}
	loop.Advance(90 * time.Second)
	if rec.count(expiry.Expired) != 1 {
		t.Fatalf("expected expired at deadline, got %+v", rec.events)
	}
}

func TestTrackerAttachRequiresDeadline(t *testing.T) {
	loop := eventloop.NewManual(start)
	tracker := expiry.NewTracker(loop, expiry.Options{WarningThreshold: time.Minute})
	if tracker.Attach(jobs.Job{ID: "a", Status: jobs.StatusProcessing}) {
		t.Fatal("job without deadline must not attach")
	}
	if loop.Pending() != 0 {
		t.Fatal("no timer expected without deadlines")
	}
}

func TestTrackerDerivesDeadlineOnlyWhenEnabled(t *testing.T) {
	loop := eventloop.NewManual(start)
	completed := start.Add(time.Minute)
	job := jobs.Job{ID: "a", Status: jobs.StatusCompleted, CompletedAt: &completed}

	strict := expiry.NewTracker(loop, expiry.Options{Retention: 10 * time.Minute})
	if _, ok := strict.Remaining(job); ok {
		t.Fatal("deadline must not be guessed by default")
	}

	derived := expiry.NewTracker(loop, expiry.Options{Retention: 10 * time.Minute, DeriveMissingDeadline: true})
	remaining, ok := derived.Remaining(job)
	if !ok || remaining != 11*time.Minute {
		t.Fatalf("unexpected derived remaining %s ok=%v", remaining, ok)
	}
}

func TestTrackerDetachAndCloseSilenceEvents(t *testing.T) {
	loop := eventloop.NewManual(start)
	tracker := expiry.NewTracker(loop, expiry.Options{WarningThreshold: time.Minute})
	rec := &recorder{}
	tracker.OnEvent(rec.record)

	tracker.Attach(jobExpiringAt("a", start.Add(5*time.Minute)))
	tracker.Attach(jobExpiringAt("b", start.Add(5*time.Minute)))
	tracker.Detach("a")
	tracker.Close()
	tracker.Close()

	loop.Advance(10 * time.Minute)
	tracker.Evaluate()
	if len(rec.events) != 0 {
		t.Fatalf("expected no events after Close, got %+v", rec.events)
	}
	if loop.Pending() != 0 {
		t.Fatalf("Close must cancel the timer, pending=%d", loop.Pending())
	}
}
