// Package retry implements bounded retries with exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// DefaultMaxDelay caps the exponential backoff curve.
const DefaultMaxDelay = 10 * time.Second

// Policy describes how an operation is retried.
type Policy struct {
	// Attempts is the number of additional tries after the first
	// failure. Zero disables retrying.
	Attempts int
	// Delay is the base backoff before the first retry.
	Delay time.Duration
	// MaxDelay caps individual backoff intervals.
	MaxDelay time.Duration
	// Jitter is the fraction of the computed delay randomized away,
	// in [0, 1]. Zero means deterministic delays.
	Jitter float64
}

// Backoff returns the wait before retry number attempt (zero-based):
// Delay doubled per attempt, capped at MaxDelay, with up to Jitter
// fraction subtracted at random.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	d := p.Delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	if p.Jitter > 0 {
		d -= time.Duration(p.Jitter * rand.Float64() * float64(d))
	}

	return d
}

// RetryableFunc reports whether an error is worth retrying.
type RetryableFunc func(error) bool

// Do runs fn up to 1+Attempts times, sleeping the policy backoff
// between tries. It stops early when fn succeeds, when retryable
// rejects the error, or when the context is done. The last error is
// returned. A nil retryable retries every error.
func Do(ctx context.Context, p Policy, retryable RetryableFunc, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}
