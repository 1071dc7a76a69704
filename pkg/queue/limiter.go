package queue

import (
	"sync"
	"time"
)

// SlidingWindow admits at most max events in any rolling window.
// Thread-safe.
type SlidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	starts []time.Time // admitted timestamps, oldest first
}

// NewSlidingWindow returns a limiter; max <= 0 admits everything.
func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{max: max, window: window}
}

// Reserve admits an event at now and returns 0, or returns how long the
// caller must wait before the oldest admission leaves the window. A
// non-zero result records nothing.
func (l *SlidingWindow) Reserve(now time.Time) time.Duration {
	if l == nil || l.max <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	if len(l.starts) < l.max {
		l.starts = append(l.starts, now)
		return 0
	}
	wait := l.starts[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// InWindow returns the number of admissions still inside the window.
func (l *SlidingWindow) InWindow(now time.Time) int {
	if l == nil || l.max <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(now)
	return len(l.starts)
}

// evict drops admissions older than the window. Must be called with mu held.
func (l *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}
