package focus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Timer is a cancelable, one-shot scheduled callback. Cancel is idempotent
// and safe to call from inside the callback itself.
type Timer interface {
	Cancel()
}

// Scheduler is the constructor-injected pool handle the coordinator uses for
// both blocking I/O (bridge allocation, room join/leave, invite runners) and
// scheduled callbacks (timeouts, coalescing delays). Tests substitute
// NewManualScheduler for deterministic, sleep-free execution.
type Scheduler interface {
	// Submit runs fn on the I/O pool, bounded by the pool's concurrency.
	Submit(fn func())
	// AfterFunc schedules fn to run after d, returning a cancelable handle.
	AfterFunc(d time.Duration, fn func()) Timer
	// Now returns the scheduler's notion of the current time (wall clock
	// for the real scheduler, a virtual clock for the manual one).
	Now() time.Time
}

// realScheduler runs submitted work on its own goroutines, gated by a
// weighted semaphore so the I/O pool has a bounded number of concurrent
// blocking operations in flight.
type realScheduler struct {
	sem *semaphore.Weighted
}

// NewScheduler builds a Scheduler backed by real goroutines and timers.
// concurrency bounds how many Submit-ted operations may run at once;
// values <= 0 fall back to 8.
func NewScheduler(concurrency int) Scheduler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &realScheduler{sem: semaphore.NewWeighted(int64(concurrency))}
}

func (s *realScheduler) Submit(fn func()) {
	go func() {
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn()
	}()
}

func (s *realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return newRealTimer(d, fn)
}

func (s *realScheduler) Now() time.Time { return time.Now() }

// realTimer wraps time.AfterFunc with an idempotent, reentrant-safe Cancel.
type realTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	canceled bool
}

func newRealTimer(d time.Duration, fn func()) *realTimer {
	t := &realTimer{}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		canceled := t.canceled
		t.mu.Unlock()
		if canceled {
			return
		}
		fn()
	})
	return t
}

func (t *realTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return
	}
	t.canceled = true
	t.timer.Stop()
}

// ManualScheduler runs submitted work synchronously and exposes a virtual
// clock that tests advance explicitly, eliminating sleep-based flakiness.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManualScheduler builds a ManualScheduler with its virtual clock set to
// start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (m *ManualScheduler) Submit(fn func()) { fn() }

func (m *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{fireAt: m.now.Add(d), fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the virtual clock forward by d and fires every non-canceled
// timer whose deadline has now passed, in the order they were scheduled.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		t.mu.Lock()
		fire := !t.fired && !t.canceled && !t.fireAt.After(m.now)
		t.mu.Unlock()
		if fire {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	for _, t := range due {
		t.mu.Lock()
		if t.canceled || t.fired {
			t.mu.Unlock()
			continue
		}
		t.fired = true
		fn := t.fn
		t.mu.Unlock()
		fn()
	}
}

type manualTimer struct {
	mu       sync.Mutex
	fireAt   time.Time
	fn       func()
	canceled bool
	fired    bool
}

func (t *manualTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
}
