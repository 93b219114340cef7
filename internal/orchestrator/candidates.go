package orchestrator

import (
	"context"

	"github.com/relaymesh/relay/internal/core/domain"
)

// eligibleCandidates implements the candidate filter of spec.md §4.4:
// must carry the model, not be banned for it, not be in maintenance, be
// healthy, have a breaker that would admit an attempt (a pure read -
// the half-open slot is reserved later, for the selected server only),
// and have spare capacity.
// tried excludes servers already attempted for this request so a
// failover round never revisits one (spec.md §8's "failover never
// selects a server twice for the same request").
func (o *Orchestrator) eligibleCandidates(ctx context.Context, model string, tried map[string]bool) ([]*domain.Candidate, error) {
	servers, err := o.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	now := o.now()
	out := make([]*domain.Candidate, 0, len(servers))
	for _, server := range servers {
		if tried[server.ID] {
			continue
		}
		if server.InMaintenance() || !server.Healthy {
			continue
		}
		if !server.HasModel(model) {
			continue
		}
		if o.registry.IsBanned(ctx, server.ID, model, now) {
			continue
		}
		if !o.breakers.CanAttempt(server.ID, model, now) {
			continue
		}

		inFlight := o.metrics.InFlight(server.ID, model)
		if server.MaxConcurrency > 0 && inFlight >= server.MaxConcurrency {
			continue
		}

		state, _ := o.breakers.Snapshot(server.ID, model)
		out = append(out, &domain.Candidate{
			Server:       server,
			BreakerState: state.State,
			InFlight:     inFlight,
		})
	}
	return out, nil
}

// hasCapacity reports whether at least one eligible candidate for model
// currently has spare capacity - gates the queue admission decision of
// spec.md §4.7 step 1.
func (o *Orchestrator) hasCapacity(ctx context.Context, model string) bool {
	candidates, err := o.eligibleCandidates(ctx, model, nil)
	if err != nil {
		return false
	}
	return len(candidates) > 0
}
