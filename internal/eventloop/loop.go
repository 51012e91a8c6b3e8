package eventloop

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by Call when the loop no longer runs callbacks.
var ErrStopped = errors.New("event loop stopped")

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock. time.Now carries a monotonic reading, so
// durations computed between two Now calls are immune to wall-clock steps.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Timer is a cancellable handle for a scheduled callback.
//
// Stop is idempotent and safe to call from any goroutine, including after the
// owning component has been torn down. Once Stop returns, the callback will
// not run even if its deadline already passed and it was queued.
type Timer interface {
	// Stop cancels the timer. It reports whether this call stopped an armed
	// timer; repeated calls and calls after a one-shot fired return false.
	Stop() bool
}

// Loop is a cooperative, single-threaded scheduler.
type Loop interface {
	Clock
	// Post queues fn to run on the loop. Safe from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn on the loop each time d elapses until stopped.
	Every(d time.Duration, fn func()) Timer
	// Go runs fn off the loop for blocking work. fn must not touch
	// loop-confined state; it reports back with Post.
	Go(fn func())
}

type stopper interface {
	Done() <-chan struct{}
}

// Call runs fn on the loop and waits for it to finish. It lets goroutines
// outside the loop read or mutate loop-confined state.
func Call(ctx context.Context, loop Loop, fn func()) error {
	done := make(chan struct{})
	loop.Post(func() {
		defer close(done)
		fn()
	})

	var stopped <-chan struct{}
	if s, ok := loop.(stopper); ok {
		stopped = s.Done()
	}

	select {
	case <-done:
		return nil
	default:
	}

	select {
	case <-done:
		return nil
	case <-stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }
