package eventloop

import (
	"container/heap"
	"time"
)

// Manual is a deterministic Loop for tests. Time only moves when Advance or
// Jump is called. Posted callbacks run synchronously, after the callback that
// posted them returns, and Go runs its function inline.
//
// Manual is not safe for concurrent use; drive it from one goroutine.
type Manual struct {
	now     time.Time
	seq     uint64
	timers  timerQueue
	queue   []func()
	running bool
}

// NewManual returns a Manual loop whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the simulated time.
func (m *Manual) Now() time.Time { return m.now }

// Post queues fn and drains the queue unless a callback is already running.
func (m *Manual) Post(fn func()) {
	if fn == nil {
		return
	}
	m.queue = append(m.queue, fn)
	m.drain()
}

// Go runs fn immediately. Completions it posts run once the current
// callback returns.
func (m *Manual) Go(fn func()) {
	fn()
}

// AfterFunc schedules fn at now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.schedule(d, 0, fn)
}

// Every schedules fn each time d elapses.
func (m *Manual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		return stoppedTimer{}
	}
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, period time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	entry := &manualTimer{at: m.now.Add(d), period: period, seq: m.seq, fn: fn}
	heap.Push(&m.timers, entry)
	return entry
}

// Advance moves the clock forward by d, firing every timer due on the way in
// deadline order with the clock set to each timer's deadline.
func (m *Manual) Advance(d time.Duration) {
	m.AdvanceTo(m.now.Add(d))
}

// AdvanceTo moves the clock to target, firing due timers in order.
func (m *Manual) AdvanceTo(target time.Time) {
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		if next.period > 0 {
			next.at = next.at.Add(next.period)
			heap.Push(&m.timers, next)
		} else {
			next.fired = true
		}
		fire := next
		m.Post(func() {
			if fire.stopped {
				return
			}
			fire.fn()
		})
	}
	if target.After(m.now) {
		m.now = target
	}
}

// Jump moves the clock forward by d without firing timers, simulating a
// process that was suspended. Overdue timers fire on the next Advance.
func (m *Manual) Jump(d time.Duration) {
	m.now = m.now.Add(d)
}

// Pending reports how many timers are armed.
func (m *Manual) Pending() int {
	count := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			count++
		}
	}
	return count
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	for m.timers.Len() > 0 {
		head := m.timers[0]
		if head.stopped {
			heap.Pop(&m.timers)
			continue
		}
		if head.at.After(target) {
			return nil
		}
		return heap.Pop(&m.timers).(*manualTimer)
	}
	return nil
}

func (m *Manual) drain() {
	if m.running {
		return
	}
	m.running = true
	defer func() { m.running = false }()
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

type manualTimer struct {
	at      time.Time
	period  time.Duration
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
	index   int
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type timerQueue []*manualTimer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
