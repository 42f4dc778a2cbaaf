package ratelimit

import (
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov87/relaygw/internal/config"
)

// newTestFixedWindow builds a limiter with a controllable clock.
func newTestFixedWindow(limit int, window time.Duration) (*FixedWindowLimiter, *time.Time, *sync.Mutex) {
	l := NewFixedWindow(limit, window)

	var mu sync.Mutex
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return l, &now, &mu
}

func advance(mu *sync.Mutex, now *time.Time, d time.Duration) {
	mu.Lock()
	*now = now.Add(d)
	mu.Unlock()
}

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	l, _, _ := newTestFixedWindow(3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		d := l.Allow("10.0.0.1")
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Allow("10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	l, _, _ := newTestFixedWindow(1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("a").Allowed)
	assert.False(t, l.Allow("a").Allowed)
	assert.True(t, l.Allow("b").Allowed)
}

func TestFixedWindowReplacesBucketAfterElapse(t *testing.T) {
	l, now, mu := newTestFixedWindow(2, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("k").Allowed)
	assert.True(t, l.Allow("k").Allowed)
	assert.False(t, l.Allow("k").Allowed)

	// The elapsed window is replaced, not carried over, so the full
	// quota is available again.
	advance(mu, now, time.Minute)
	d := l.Allow("k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestFixedWindowRetryAfterShrinks(t *testing.T) {
	l, now, mu := newTestFixedWindow(1, time.Minute)
	defer l.Stop()

	require.True(t, l.Allow("k").Allowed)

	advance(mu, now, 40*time.Second)
	d := l.Allow("k")
	assert.False(t, d.Allowed)
	assert.Equal(t, 20*time.Second, d.RetryAfter)
}

func TestFixedWindowSweeperEvictsIdleKeys(t *testing.T) {
	l := NewFixedWindow(5, 20*time.Millisecond)
	defer l.Stop()

	require.True(t, l.Allow("idle").Allowed)
	require.Equal(t, 1, l.keyCount())

	// Idle buckets age out after two full windows.
	assert.Eventually(t, func() bool {
		return l.keyCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFixedWindowConcurrentAccess(t *testing.T) {
	l := NewFixedWindow(1000, time.Minute)
	defer l.Stop()

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if l.Allow("shared").Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// Exactly the limit was admitted across all goroutines.
	assert.Equal(t, int64(1000), allowed.Load())
	assert.False(t, l.Allow("shared").Allowed)
}

func TestTokenBucketBurstThenThrottle(t *testing.T) {
	l := NewTokenBucket(60, time.Minute, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("k").Allowed)
	}

	d := l.Allow("k")
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
}

func TestKeyByClientIP(t *testing.T) {
	kf := KeyByClientIP()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.168.1.5:51234"
	assert.Equal(t, "192.168.1.5", kf(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", kf(r))
}

func TestKeyByHeader(t *testing.T) {
	kf := KeyByHeader("X-API-Key")

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.168.1.5:51234"
	assert.Equal(t, "192.168.1.5", kf(r))

	r.Header.Set("X-API-Key", "client-7")
	assert.Equal(t, "client-7", kf(r))
}

func TestNewFromConfig(t *testing.T) {
	l, err := NewFromConfig(&config.RateLimitConfig{
		Algorithm: config.RateLimitFixedWindow,
		Requests:  10,
		Window:    config.Duration(time.Second),
	})
	require.NoError(t, err)
	l.Stop()

	l, err = NewFromConfig(&config.RateLimitConfig{
		Algorithm: config.RateLimitTokenBucket,
		Requests:  10,
		Window:    config.Duration(time.Second),
		Burst:     5,
	})
	require.NoError(t, err)
	l.Stop()

	_, err = NewFromConfig(&config.RateLimitConfig{Algorithm: "leaky"})
	require.Error(t, err)
}
