// Package registry maintains the set of known upstream services and
// their instances, and actively probes instance health.
package registry

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/util"
)

// Instance is one registered endpoint of a service. Health is flipped
// atomically by the prober and read lock-free by the balancer.
type Instance struct {
	ID      string
	URL     *url.URL
	Weight  int
	healthy atomic.Bool
}

// NewInstance creates a standalone instance with a fresh ID. New
// instances start healthy.
func NewInstance(rawURL string, weight int) (*Instance, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		ID:     uuid.New().String(),
		URL:    u,
		Weight: weight,
	}
	inst.healthy.Store(true)
	return inst, nil
}

// Healthy reports the current health of the instance.
func (i *Instance) Healthy() bool {
	return i.healthy.Load()
}

// SetHealthy flips the instance's health directly, without registry
// notifications. Prefer Registry.SetHealthy for registered instances.
func (i *Instance) SetHealthy(v bool) {
	i.healthy.Store(v)
}

// setHealthy flips health and reports whether the value changed.
func (i *Instance) setHealthy(v bool) bool {
	return i.healthy.Swap(v) != v
}

// Event describes a health flip of a single instance.
type Event struct {
	Service  string
	Instance *Instance
	Healthy  bool
}

type serviceEntry struct {
	cfg       config.Service
	instances []*Instance
	cancel    context.CancelFunc
	done      chan struct{}
}

// Registry is the authoritative store of services and instances.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	subs     []chan Event
	closed   bool

	logger  observability.Logger
	metrics *metrics.Metrics
	prober  *prober
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink for the registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string]*serviceEntry),
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.prober = newProber(r)

	return r
}

// Register adds a service. Registering a name that already exists
// replaces its instance set entirely: old probes stop, new instances
// get fresh IDs and start healthy.
func (r *Registry) Register(cfg config.Service) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Duplicate URLs within one registration collapse to the first
	// occurrence, so a repeated address never skews balancing.
	instances := make([]*Instance, 0, len(cfg.Instances))
	seen := make(map[string]bool, len(cfg.Instances))
	for _, ic := range cfg.Instances {
		inst, err := NewInstance(ic.URL, ic.Weight)
		if err != nil {
			return util.NewConfigError("instances", err.Error())
		}
		if seen[inst.URL.String()] {
			r.logger.Warn("duplicate instance dropped",
				observability.String("service", cfg.Name),
				observability.String("url", inst.URL.String()),
			)
			continue
		}
		seen[inst.URL.String()] = true
		instances = append(instances, inst)
	}

	entry := &serviceEntry{
		cfg:       cfg,
		instances: instances,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return util.ErrBackendUnavail
	}
	old := r.services[cfg.Name]
	r.services[cfg.Name] = entry
	r.mu.Unlock()

	if old != nil {
		r.stopEntry(old)
	}

	if cfg.HealthCheck.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		entry.cancel = cancel
		go r.prober.run(ctx, entry)
	} else {
		close(entry.done)
	}

	r.logger.Info("service registered",
		observability.String("service", cfg.Name),
		observability.Int("instances", len(instances)),
		observability.Bool("health_check", cfg.HealthCheck.Enabled),
	)

	return nil
}

// Deregister removes a service and stops its health probes. It
// returns false if the service is not registered.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	entry, ok := r.services[name]
	if ok {
		delete(r.services, name)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.stopEntry(entry)

	r.logger.Info("service deregistered",
		observability.String("service", name),
	)
	return true
}

// Instances returns a snapshot of all instances of a service.
func (r *Registry) Instances(name string) ([]*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[name]
	if !ok {
		return nil, false
	}

	out := make([]*Instance, len(entry.instances))
	copy(out, entry.instances)
	return out, true
}

// HealthyInstances returns the currently healthy instances of a service.
func (r *Registry) HealthyInstances(name string) []*Instance {
	instances, ok := r.Instances(name)
	if !ok {
		return nil
	}

	healthy := instances[:0:0]
	for _, inst := range instances {
		if inst.Healthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// Services returns the names of all registered services.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// Subscribe returns a channel receiving one event per health flip.
// Repeated probe results in the same state produce no events. Slow
// subscribers may miss events once their buffer fills.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 64)

	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	return ch
}

// SetHealthy manually overrides the health of an instance. The flip
// is applied before subscribers are notified.
func (r *Registry) SetHealthy(service, instanceID string, healthy bool) bool {
	r.mu.RLock()
	entry, ok := r.services[service]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	for _, inst := range entry.instances {
		if inst.ID == instanceID {
			r.applyHealth(service, inst, healthy)
			return true
		}
	}
	return false
}

// applyHealth flips instance health and, only when the value actually
// changed, notifies subscribers and records metrics.
func (r *Registry) applyHealth(service string, inst *Instance, healthy bool) {
	if !inst.setHealthy(healthy) {
		return
	}

	if r.metrics != nil {
		r.metrics.SetInstanceHealth(service, inst.URL.Host, healthy)
	}

	r.logger.Info("instance health changed",
		observability.String("service", service),
		observability.String("instance", inst.URL.String()),
		observability.Bool("healthy", healthy),
	)

	evt := Event{Service: service, Instance: inst, Healthy: healthy}

	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			r.logger.Warn("dropping health event for slow subscriber",
				observability.String("service", service),
			)
		}
	}
}

// Stop deregisters all services, stops all probes and closes all
// subscriber channels.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*serviceEntry, 0, len(r.services))
	for _, entry := range r.services {
		entries = append(entries, entry)
	}
	r.services = make(map[string]*serviceEntry)
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, entry := range entries {
		r.stopEntry(entry)
	}
	for _, ch := range subs {
		close(ch)
	}
}

func (r *Registry) stopEntry(entry *serviceEntry) {
	if entry.cancel != nil {
		entry.cancel()
	}
	<-entry.done
}
