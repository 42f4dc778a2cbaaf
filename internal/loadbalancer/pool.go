package loadbalancer

import (
	"sync"

	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/registry"
	"github.com/akarpov87/relaygw/internal/util"
)

// pool is one service's instance set plus its balancer.
type pool struct {
	mu        sync.RWMutex
	instances []*registry.Instance
	balancer  *Balancer
}

func (p *pool) snapshot() []*registry.Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*registry.Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

// Pools manages per-service instance pools. It has no registry
// dependency of its own; membership and health are pushed in through
// Register and SetHealth, typically by a registry event subscriber.
type Pools struct {
	mu    sync.RWMutex
	pools map[string]*pool

	logger  observability.Logger
	metrics *metrics.Metrics
}

// PoolsOption is a functional option for configuring Pools.
type PoolsOption func(*Pools)

// WithPoolsLogger sets the logger.
func WithPoolsLogger(logger observability.Logger) PoolsOption {
	return func(p *Pools) {
		p.logger = logger
	}
}

// WithPoolsMetrics sets the metrics sink.
func WithPoolsMetrics(m *metrics.Metrics) PoolsOption {
	return func(p *Pools) {
		p.metrics = m
	}
}

// NewPools creates an empty pool manager.
func NewPools(opts ...PoolsOption) *Pools {
	p := &Pools{
		pools:  make(map[string]*pool),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Register creates or replaces the pool for a service. Replacing keeps
// the existing balancer, so the round-robin cursor and connection
// counts survive membership changes.
func (p *Pools) Register(service, algorithm string, instances []*registry.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.pools[service]
	if ok && existing.balancer.Algorithm() == algorithm {
		existing.mu.Lock()
		existing.instances = instances
		existing.mu.Unlock()
		return nil
	}

	var balancerOpts []Option
	if p.metrics != nil {
		balancerOpts = append(balancerOpts, WithMetrics(p.metrics))
	}
	b, err := New(service, algorithm, balancerOpts...)
	if err != nil {
		return err
	}

	p.pools[service] = &pool{instances: instances, balancer: b}

	p.logger.Debug("pool registered",
		observability.String("service", service),
		observability.String("algorithm", algorithm),
		observability.Int("instances", len(instances)),
	)
	return nil
}

// Remove drops the pool for a service.
func (p *Pools) Remove(service string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pools, service)
}

// GetNext selects a healthy instance and increments its connection
// count. The caller must Release the instance when done.
func (p *Pools) GetNext(service, clientIP string) (*registry.Instance, error) {
	pl := p.get(service)
	if pl == nil {
		return nil, util.ErrBackendUnavail
	}

	inst, err := pl.balancer.Select(pl.snapshot(), clientIP)
	if err != nil {
		return nil, err
	}

	pl.balancer.Acquire(inst)
	return inst, nil
}

// Release decrements an instance's connection count.
func (p *Pools) Release(service string, inst *registry.Instance) {
	if pl := p.get(service); pl != nil {
		pl.balancer.Release(inst)
	}
}

// SetHealth flips the health flag of the instance with the given ID.
func (p *Pools) SetHealth(service, instanceID string, healthy bool) bool {
	pl := p.get(service)
	if pl == nil {
		return false
	}

	for _, inst := range pl.snapshot() {
		if inst.ID == instanceID {
			inst.SetHealthy(healthy)
			return true
		}
	}
	return false
}

// GetStats returns balancer counters for a service.
func (p *Pools) GetStats(service string) (Stats, bool) {
	pl := p.get(service)
	if pl == nil {
		return Stats{}, false
	}
	return pl.balancer.Stats(), true
}

// Services returns the names of all registered pools.
func (p *Pools) Services() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.pools))
	for name := range p.pools {
		names = append(names, name)
	}
	return names
}

func (p *Pools) get(service string) *pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pools[service]
}
