package gateway

import (
	"context"

	"github.com/akarpov87/relaygw/internal/loadbalancer"
	"github.com/akarpov87/relaygw/internal/observability"
	"github.com/akarpov87/relaygw/internal/registry"
)

// PoolSyncer wires registry health events into the load balancer's
// pools. The balancer itself has no registry dependency; this is the
// only component that knows about both.
type PoolSyncer struct {
	registry *registry.Registry
	pools    *loadbalancer.Pools
	logger   observability.Logger
	doneCh   chan struct{}
}

// NewPoolSyncer creates a syncer between a registry and pool manager.
func NewPoolSyncer(reg *registry.Registry, pools *loadbalancer.Pools, logger observability.Logger) *PoolSyncer {
	return &PoolSyncer{
		registry: reg,
		pools:    pools,
		logger:   logger,
		doneCh:   make(chan struct{}),
	}
}

// Run consumes health events until the context is canceled or the
// registry closes the subscription.
func (s *PoolSyncer) Run(ctx context.Context) {
	events := s.registry.Subscribe()

	go func() {
		defer close(s.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				s.pools.SetHealth(evt.Service, evt.Instance.ID, evt.Healthy)
				s.logger.Debug("pool health synchronized",
					observability.String("service", evt.Service),
					observability.String("instance", evt.Instance.URL.String()),
					observability.Bool("healthy", evt.Healthy),
				)
			}
		}
	}()
}

// Done returns a channel closed when the sync loop has exited.
func (s *PoolSyncer) Done() <-chan struct{} {
	return s.doneCh
}
