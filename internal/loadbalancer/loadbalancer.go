// Package loadbalancer selects upstream instances for forwarding.
package loadbalancer

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/registry"
	"github.com/akarpov87/relaygw/internal/util"
)

// Balancer picks one healthy instance per request according to its
// configured algorithm. A balancer is safe for concurrent use.
type Balancer struct {
	service   string
	algorithm string

	// cursor persists across calls so round-robin rotation survives
	// instance set changes.
	cursor atomic.Uint64

	mu       sync.Mutex
	conns    map[string]*atomic.Int64
	lastUsed map[string]*atomic.Int64

	selections atomic.Uint64
	metrics    *metrics.Metrics
}

// Option is a functional option for configuring the balancer.
type Option func(*Balancer)

// WithMetrics sets the metrics sink for the balancer.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Balancer) {
		b.metrics = m
	}
}

// New creates a balancer for a service. The algorithm must be one of
// the config.Algorithm* names.
func New(service, algorithm string, opts ...Option) (*Balancer, error) {
	switch algorithm {
	case config.AlgorithmRoundRobin,
		config.AlgorithmLeastConn,
		config.AlgorithmRandom,
		config.AlgorithmIPHash,
		config.AlgorithmWeighted:
	default:
		return nil, util.NewConfigError("algorithm", "unknown algorithm: "+algorithm)
	}

	b := &Balancer{
		service:   service,
		algorithm: algorithm,
		conns:     make(map[string]*atomic.Int64),
		lastUsed:  make(map[string]*atomic.Int64),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// Algorithm returns the configured algorithm name.
func (b *Balancer) Algorithm() string {
	return b.algorithm
}

// Select picks one healthy instance. Unhealthy instances are filtered
// out first; when none remain ErrBackendUnavail is returned.
func (b *Balancer) Select(instances []*registry.Instance, clientIP string) (*registry.Instance, error) {
	healthy := make([]*registry.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Healthy() {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil, util.ErrBackendUnavail
	}

	var chosen *registry.Instance
	switch b.algorithm {
	case config.AlgorithmRoundRobin:
		chosen = b.roundRobin(healthy)
	case config.AlgorithmLeastConn:
		chosen = b.leastConnections(healthy)
	case config.AlgorithmRandom:
		chosen = healthy[rand.Intn(len(healthy))]
	case config.AlgorithmIPHash:
		chosen = b.ipHash(healthy, clientIP)
	case config.AlgorithmWeighted:
		chosen = b.weighted(healthy)
	}

	b.selections.Add(1)
	b.touch(chosen.ID)
	if b.metrics != nil {
		b.metrics.RecordBalancerSelection(b.service, chosen.URL.Host)
	}

	return chosen, nil
}

// touch updates the instance's last-used timestamp.
func (b *Balancer) touch(id string) {
	b.mu.Lock()
	ts, ok := b.lastUsed[id]
	if !ok {
		ts = &atomic.Int64{}
		b.lastUsed[id] = ts
	}
	b.mu.Unlock()

	ts.Store(time.Now().UnixNano())
}

// LastUsed returns when the instance was last selected. The zero time
// means it has never been selected.
func (b *Balancer) LastUsed(inst *registry.Instance) time.Time {
	b.mu.Lock()
	ts, ok := b.lastUsed[inst.ID]
	b.mu.Unlock()

	if !ok {
		return time.Time{}
	}
	n := ts.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *Balancer) roundRobin(healthy []*registry.Instance) *registry.Instance {
	n := b.cursor.Add(1) - 1
	return healthy[n%uint64(len(healthy))]
}

func (b *Balancer) leastConnections(healthy []*registry.Instance) *registry.Instance {
	chosen := healthy[0]
	min := b.counter(chosen.ID).Load()

	for _, inst := range healthy[1:] {
		if c := b.counter(inst.ID).Load(); c < min {
			chosen = inst
			min = c
		}
	}
	return chosen
}

// ipHash pins each client IP to one instance. Without a client IP
// there is nothing to hash on, so selection falls back to random.
func (b *Balancer) ipHash(healthy []*registry.Instance, clientIP string) *registry.Instance {
	if clientIP == "" {
		return healthy[rand.Intn(len(healthy))]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientIP))
	return healthy[h.Sum32()%uint32(len(healthy))]
}

func (b *Balancer) weighted(healthy []*registry.Instance) *registry.Instance {
	total := 0
	for _, inst := range healthy {
		if inst.Weight > 0 {
			total += inst.Weight
		}
	}
	if total == 0 {
		return healthy[rand.Intn(len(healthy))]
	}

	n := rand.Intn(total)
	for _, inst := range healthy {
		if inst.Weight <= 0 {
			continue
		}
		n -= inst.Weight
		if n < 0 {
			return inst
		}
	}
	return healthy[len(healthy)-1]
}

// Acquire records the start of a request against an instance.
func (b *Balancer) Acquire(inst *registry.Instance) {
	b.counter(inst.ID).Add(1)
}

// Release records the end of a request. The active count never goes
// below zero, so an unmatched Release is a no-op.
func (b *Balancer) Release(inst *registry.Instance) {
	c := b.counter(inst.ID)
	for {
		cur := c.Load()
		if cur <= 0 {
			return
		}
		if c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveConnections returns the active count for an instance.
func (b *Balancer) ActiveConnections(inst *registry.Instance) int64 {
	return b.counter(inst.ID).Load()
}

func (b *Balancer) counter(id string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		c = &atomic.Int64{}
		b.conns[id] = c
	}
	return c
}

// Stats is a point-in-time snapshot of balancer activity.
type Stats struct {
	Service     string
	Algorithm   string
	Selections  uint64
	ActiveConns map[string]int64
	LastUsed    map[string]time.Time
}

// Stats returns a snapshot of the balancer's counters.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := make(map[string]int64, len(b.conns))
	for id, c := range b.conns {
		active[id] = c.Load()
	}

	used := make(map[string]time.Time, len(b.lastUsed))
	for id, ts := range b.lastUsed {
		if n := ts.Load(); n != 0 {
			used[id] = time.Unix(0, n)
		}
	}

	return Stats{
		Service:     b.service,
		Algorithm:   b.algorithm,
		Selections:  b.selections.Load(),
		ActiveConns: active,
		LastUsed:    used,
	}
}
