// Package ratelimit decides when a worker may start another dispatch.
//
// Two independent rules apply. A Limiter caps dispatches across the whole
// process within a trailing window. A Spacer keeps a minimum gap between two
// dispatches started by the same worker.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter answers whether a dispatch may start now. When it may not,
// retryAfter is how long until it could.
type Limiter interface {
	TryAcquire() (granted bool, retryAfter time.Duration)
}

var _ Limiter = (*Window)(nil)

// Window is a sliding-log limiter: it remembers the start time of every grant
// still inside the trailing window. A denied caller is told to come back when
// the oldest remembered grant ages out, so the count in any window-long span
// never exceeds max, including across window edges.
type Window struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	grants []time.Time
	now    func() time.Time
}

// NewWindow allows max dispatches per window. max <= 0 disables the limit.
func NewWindow(max int, window time.Duration) *Window {
	return &Window{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// NewWindowWithClock is NewWindow with an explicit time source.
func NewWindowWithClock(max int, window time.Duration, now func() time.Time) *Window {
	w := NewWindow(max, window)
	w.now = now
	return w
}

func (w *Window) TryAcquire() (bool, time.Duration) {
	if w.max <= 0 {
		return true, 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.grants) < w.max {
		w.grants = append(w.grants, now)
		return true, 0
	}

	return false, w.grants[0].Add(w.window).Sub(now)
}

// InWindow returns how many grants are currently counted.
func (w *Window) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.grants)
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.grants) && !w.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
}
