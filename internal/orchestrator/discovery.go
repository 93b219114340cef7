package orchestrator

import (
	"context"

	"github.com/relaymesh/relay/internal/adapter/health"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

// Discovery implements ports.DiscoveryService over the registry and health
// scheduler - a thin read/refresh facade for whatever surface renders
// fleet status, kept separate from Orchestrator since it has nothing to
// do with request dispatch.
type Discovery struct {
	registry  domain.ServerRegistry
	scheduler *health.Scheduler
}

func NewDiscovery(registry domain.ServerRegistry, scheduler *health.Scheduler) *Discovery {
	return &Discovery{registry: registry, scheduler: scheduler}
}

func (d *Discovery) GetServers(ctx context.Context) ([]*domain.Server, error) {
	return d.registry.List(ctx)
}

func (d *Discovery) GetHealthyServers(ctx context.Context) ([]*domain.Server, error) {
	servers, err := d.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Server, 0, len(servers))
	for _, s := range servers {
		if s.Healthy && !s.InMaintenance() {
			out = append(out, s)
		}
	}
	return out, nil
}

// RefreshServers forces an immediate health probe of every known server
// rather than waiting for the scheduler's next tick.
func (d *Discovery) RefreshServers(ctx context.Context) error {
	servers, err := d.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range servers {
		d.scheduler.ForceCheck(ctx, s)
	}
	return nil
}

var _ ports.DiscoveryService = (*Discovery)(nil)
