package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter smooths admission with one token bucket per key.
// Tokens refill continuously at requests-per-window, so short bursts
// up to the burst size pass even when the average rate is at the cap.
type TokenBucketLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyLimiter

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket creates a token bucket limiter refilling at
// requests/window with the given burst capacity.
func NewTokenBucket(requests int, window time.Duration, burst int) *TokenBucketLimiter {
	if burst <= 0 {
		burst = requests
	}

	l := &TokenBucketLimiter{
		rate:      rate.Limit(float64(requests) / window.Seconds()),
		burst:     burst,
		limiters:  make(map[string]*keyLimiter),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	go l.sweep()

	return l
}

// Allow admits or rejects one request for the key.
func (l *TokenBucketLimiter) Allow(key string) Decision {
	now := time.Now()

	l.mu.Lock()
	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = kl
	}
	kl.lastSeen = now
	l.mu.Unlock()

	res := kl.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}
	}

	return Decision{
		Allowed:   true,
		Remaining: int(kl.limiter.Tokens()),
	}
}

// Stop terminates the background sweeper.
func (l *TokenBucketLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.stoppedCh
}

func (l *TokenBucketLimiter) sweep() {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for key, kl := range l.limiters {
				if kl.lastSeen.Before(cutoff) {
					delete(l.limiters, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
