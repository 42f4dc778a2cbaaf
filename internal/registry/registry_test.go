package registry

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarpov87/relaygw/internal/config"
)

func serviceConfig(name string, urls ...string) config.Service {
	instances := make([]config.Instance, len(urls))
	for i, u := range urls {
		instances[i] = config.Instance{URL: u, Weight: 1}
	}
	return config.Service{
		Name:      name,
		Algorithm: config.AlgorithmRoundRobin,
		Instances: instances,
		HealthCheck: config.HealthCheckConfig{
			Interval: config.Duration(10 * time.Second),
			Timeout:  config.Duration(time.Second),
			Path:     "/health",
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	defer r.Stop()

	require.NoError(t, r.Register(serviceConfig("users",
		"http://u1.internal:8000", "http://u2.internal:8000")))

	instances, ok := r.Instances("users")
	require.True(t, ok)
	require.Len(t, instances, 2)

	// New instances start healthy and carry unique IDs.
	assert.True(t, instances[0].Healthy())
	assert.True(t, instances[1].Healthy())
	assert.NotEqual(t, instances[0].ID, instances[1].ID)

	assert.Equal(t, []string{"users"}, r.Services())

	_, ok = r.Instances("missing")
	assert.False(t, ok)
}

func TestRegisterCollapsesDuplicateURLs(t *testing.T) {
	r := New()
	defer r.Stop()

	require.NoError(t, r.Register(serviceConfig("users",
		"http://u1.internal:8000", "http://u2.internal:8000", "http://u1.internal:8000")))

	instances, ok := r.Instances("users")
	require.True(t, ok)
	require.Len(t, instances, 2)
	assert.NotEqual(t, instances[0].URL.String(), instances[1].URL.String())
}

func TestRegisterReplacesInstanceSet(t *testing.T) {
	r := New()
	defer r.Stop()

	require.NoError(t, r.Register(serviceConfig("users", "http://old.internal:8000")))
	old, _ := r.Instances("users")

	require.NoError(t, r.Register(serviceConfig("users",
		"http://new-1.internal:8000", "http://new-2.internal:8000")))

	instances, ok := r.Instances("users")
	require.True(t, ok)
	require.Len(t, instances, 2)
	for _, inst := range instances {
		assert.NotEqual(t, old[0].ID, inst.ID)
	}
}

func TestDeregister(t *testing.T) {
	r := New()
	defer r.Stop()

	require.NoError(t, r.Register(serviceConfig("users", "http://u1.internal:8000")))
	assert.True(t, r.Deregister("users"))
	assert.False(t, r.Deregister("users"))

	_, ok := r.Instances("users")
	assert.False(t, ok)
}

func TestHealthFlipEmitsSingleEvent(t *testing.T) {
	r := New()
	defer r.Stop()

	require.NoError(t, r.Register(serviceConfig("users", "http://u1.internal:8000")))
	instances, _ := r.Instances("users")
	inst := instances[0]

	events := r.Subscribe()

	// Same-state writes produce no events.
	assert.True(t, r.SetHealthy("users", inst.ID, true))
	select {
	case evt := <-events:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	assert.True(t, r.SetHealthy("users", inst.ID, false))
	select {
	case evt := <-events:
		assert.Equal(t, "users", evt.Service)
		assert.False(t, evt.Healthy)
		// Registry state is updated before the notification goes out.
		assert.False(t, evt.Instance.Healthy())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health event")
	}

	assert.Empty(t, r.HealthyInstances("users"))
}

func TestSetHealthyUnknownInstance(t *testing.T) {
	r := New()
	defer r.Stop()

	require.NoError(t, r.Register(serviceConfig("users", "http://u1.internal:8000")))
	assert.False(t, r.SetHealthy("users", "no-such-id", false))
	assert.False(t, r.SetHealthy("missing", "x", false))
}

func TestProbeMarksUnhealthyInstanceDown(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New()
	defer r.Stop()

	cfg := serviceConfig("users", srv.URL)
	cfg.HealthCheck.Enabled = true
	cfg.HealthCheck.Interval = config.Duration(20 * time.Millisecond)
	require.NoError(t, r.Register(cfg))

	require.Eventually(t, func() bool {
		return len(r.HealthyInstances("users")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, calls.Load())
}

func TestProbeRecoversInstance(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New()
	defer r.Stop()

	cfg := serviceConfig("users", srv.URL)
	cfg.HealthCheck.Enabled = true
	cfg.HealthCheck.Interval = config.Duration(20 * time.Millisecond)
	require.NoError(t, r.Register(cfg))

	require.Eventually(t, func() bool {
		return len(r.HealthyInstances("users")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	healthy.Store(true)

	require.Eventually(t, func() bool {
		return len(r.HealthyInstances("users")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlowInstanceDoesNotDelayOtherProbes(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)

	fastProbed := make(chan time.Time, 8)
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case fastProbed <- time.Now():
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer fast.Close()

	r := New()
	defer r.Stop()

	cfg := serviceConfig("users", slow.URL, fast.URL)
	cfg.HealthCheck.Enabled = true
	cfg.HealthCheck.Interval = config.Duration(10 * time.Second)
	cfg.HealthCheck.Timeout = config.Duration(time.Second)

	start := time.Now()
	require.NoError(t, r.Register(cfg))

	// Both instances are checked in the same round, so the healthy
	// instance's probe must arrive well before the slow one times out.
	select {
	case at := <-fastProbed:
		assert.Less(t, at.Sub(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the healthy instance's probe")
	}
}

func TestDeregisterStopsProbes(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	r := New()
	defer r.Stop()

	cfg := serviceConfig("users", srv.URL)
	cfg.HealthCheck.Enabled = true
	cfg.HealthCheck.Interval = config.Duration(20 * time.Millisecond)
	require.NoError(t, r.Register(cfg))

	require.Eventually(t, func() bool {
		return calls.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, r.Deregister("users"))
	after := calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestStopClosesSubscribers(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(serviceConfig("users", "http://u1.internal:8000")))

	events := r.Subscribe()
	r.Stop()

	_, open := <-events
	assert.False(t, open)

	// Registration after Stop is rejected.
	assert.Error(t, r.Register(serviceConfig("other", "http://o.internal:8000")))
}
