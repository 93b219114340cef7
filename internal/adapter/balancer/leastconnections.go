package balancer

import (
	"context"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

// LeastConnectionsSelector minimises load/maxConcurrency, grounded on the
// teacher's least-connections selector, extended with the failure-rate
// penalty of spec.md §4.4.
type LeastConnectionsSelector struct {
	cfg     config.LeastConnectionsConfig
	metrics ports.StatsCollector
	decay   config.DecayConfig
}

func NewLeastConnections(cfg config.LeastConnectionsConfig, metrics ports.StatsCollector, decay config.DecayConfig) *LeastConnectionsSelector {
	return &LeastConnectionsSelector{cfg: cfg, metrics: metrics, decay: decay}
}

func (l *LeastConnectionsSelector) Name() string { return "least-connections" }

func (l *LeastConnectionsSelector) Select(ctx context.Context, model string, candidates []*domain.Server) (*domain.Server, error) {
	routable := filterRoutable(candidates)
	if len(routable) == 0 {
		return nil, domain.ErrNoCandidate
	}

	var best *domain.Server
	var bestScore float64
	for i, s := range routable {
		score := l.score(s, model)
		if i == 0 || score < bestScore {
			best = s
			bestScore = score
		}
	}
	return best, nil
}

func (l *LeastConnectionsSelector) score(s *domain.Server, model string) float64 {
	maxConcurrency := s.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	load := float64(l.metrics.InFlight(s.ID, model)) / float64(maxConcurrency)

	if !l.cfg.ConsiderFailureRate {
		return load
	}
	rate := errorRate(l.metrics, s.ID, model, domain.Window5Minutes, l.decay)
	if rate <= 0 {
		return load
	}
	return load * (1 + rate*l.cfg.FailureRatePenalty)
}

func (l *LeastConnectionsSelector) OnDispatch(server *domain.Server)                         {}
func (l *LeastConnectionsSelector) OnComplete(server *domain.Server, latency int64, ok bool) {}
