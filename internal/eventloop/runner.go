package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Runner is the production Loop. Callbacks run on the goroutine that calls Run.
type Runner struct {
	clock Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New constructs a Runner. A nil clock uses SystemClock.
func New(clock Clock) *Runner {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Runner{
		clock: clock,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Now returns the runner clock's current time.
func (r *Runner) Now() time.Time { return r.clock.Now() }

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Run executes queued callbacks until ctx is cancelled. Work queued after
// cancellation is dropped.
func (r *Runner) Run(ctx context.Context) error {
	defer r.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
			r.drain(ctx)
		}
	}
}

func (r *Runner) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

func (r *Runner) shutdown() {
	r.once.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.queue = nil
		r.mu.Unlock()
		close(r.done)
	})
}

// Post queues fn to run on the loop.
func (r *Runner) Post(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Go runs fn on a new goroutine.
func (r *Runner) Go(fn func()) {
	go fn()
}

// AfterFunc schedules fn to run on the loop after d.
func (r *Runner) AfterFunc(d time.Duration, fn func()) Timer {
	t := &runnerTimer{}
	t.timer = time.AfterFunc(d, func() {
		r.Post(func() {
			if !t.state.CompareAndSwap(timerArmed, timerFired) {
				return
			}
			fn()
		})
	})
	return t
}

// Every schedules fn to run on the loop each time d elapses. A non-positive
// interval yields a timer that never fires.
func (r *Runner) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		return stoppedTimer{}
	}
	t := &runnerTicker{}
	t.arm(r, d, fn)
	return t
}

const (
	timerArmed int32 = iota
	timerFired
	timerStopped
)

type runnerTimer struct {
	state atomic.Int32
	timer *time.Timer
}

func (t *runnerTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerArmed, timerStopped) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

type runnerTicker struct {
	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
}

func (t *runnerTicker) arm(r *Runner, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = time.AfterFunc(d, func() {
		r.Post(func() {
			if t.isStopped() {
				return
			}
			fn()
			t.arm(r, d, fn)
		})
	})
}

func (t *runnerTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *runnerTicker) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}
