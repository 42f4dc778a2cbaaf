package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks one key's consumption within its current window.
type bucket struct {
	start time.Time
	count int
}

// FixedWindowLimiter counts requests per key in fixed, non-sliding
// windows. When a request arrives after the key's window has elapsed
// the bucket is replaced outright, so stale counts never leak into
// the new window.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once

	now func() time.Time
}

// NewFixedWindow creates a fixed-window limiter allowing limit
// requests per key per window. A background sweeper evicts buckets
// whose window has long elapsed.
func NewFixedWindow(limit int, window time.Duration) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		limit:     limit,
		window:    window,
		buckets:   make(map[string]*bucket),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		now:       time.Now,
	}

	go l.sweep()

	return l
}

// Allow admits or rejects one request for the key.
func (l *FixedWindowLimiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		l.buckets[key] = &bucket{start: now, count: 1}
		return Decision{Allowed: true, Remaining: l.limit - 1}
	}

	if b.count < l.limit {
		b.count++
		return Decision{Allowed: true, Remaining: l.limit - b.count}
	}

	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: b.start.Add(l.window).Sub(now),
	}
}

// Stop terminates the background sweeper.
func (l *FixedWindowLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.stoppedCh
}

// sweep periodically evicts buckets that have been idle for at least
// two full windows.
func (l *FixedWindowLimiter) sweep() {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.window)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.start.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// keyCount returns the number of tracked keys.
func (l *FixedWindowLimiter) keyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
