package balancer

import (
	"context"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

// FastestResponseSelector picks the candidate with the lowest adjusted
// blended latency, per spec.md §4.4: a hot-model boost, an eviction-
// proximity penalty, a success-rate penalty and a recent-degradation
// penalty all scale the raw blended latency before comparison.
type FastestResponseSelector struct {
	cfg     config.LoadBalancerConfig
	metrics ports.StatsCollector
	decay   config.DecayConfig
	now     func() time.Time
}

func NewFastestResponse(cfg config.LoadBalancerConfig, metrics ports.StatsCollector, decay config.DecayConfig) *FastestResponseSelector {
	return &FastestResponseSelector{cfg: cfg, metrics: metrics, decay: decay, now: time.Now}
}

func (f *FastestResponseSelector) Name() string { return "fastest-response" }

func (f *FastestResponseSelector) Select(ctx context.Context, model string, candidates []*domain.Server) (*domain.Server, error) {
	routable := filterRoutable(candidates)
	if len(routable) == 0 {
		return nil, domain.ErrNoCandidate
	}

	var best *domain.Server
	var bestCost time.Duration
	for i, s := range routable {
		cost := f.adjustedLatency(s, model)
		if i == 0 || cost < bestCost {
			best = s
			bestCost = cost
		}
	}
	return best, nil
}

func (f *FastestResponseSelector) adjustedLatency(s *domain.Server, model string) time.Duration {
	base := blendedLatency(f.metrics, s.ID, model, f.cfg)
	cost := float64(base)

	if s.LoadedModel != nil && s.LoadedModel.Name == model {
		cost *= 0.5
	}

	if s.LoadedModel != nil && !s.LoadedModel.ExpiresAt.IsZero() {
		remaining := s.LoadedModel.ExpiresAt.Sub(f.now())
		switch {
		case remaining < 30*time.Second:
			cost *= 2
		case remaining < 2*time.Minute:
			cost *= 1.2
		}
	}

	successRate := 1 - errorRate(f.metrics, s.ID, model, domain.Window5Minutes, f.decay)
	cost *= 2 - successRate

	recentErr := errorRate(f.metrics, s.ID, model, domain.Window1Minute, f.decay)
	overallErr := errorRate(f.metrics, s.ID, model, domain.Window1Hour, f.decay)
	if overallErr > 0 && recentErr > 1.5*overallErr {
		cost *= 1.3
	}

	return time.Duration(cost)
}

func (f *FastestResponseSelector) OnDispatch(server *domain.Server)                         {}
func (f *FastestResponseSelector) OnComplete(server *domain.Server, latency int64, ok bool) {}
