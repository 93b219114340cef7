package balancer

import (
	"context"

	"github.com/relaymesh/relay/internal/adapter/breaker"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

// WeightedSelector scores every candidate on six [0,100] sub-scores and
// picks the highest weighted sum, per spec.md §4.4.
type WeightedSelector struct {
	cfg      config.LoadBalancerConfig
	metrics  ports.StatsCollector
	breakers *breaker.Map
	decay    config.DecayConfig
}

func NewWeighted(cfg config.LoadBalancerConfig, metrics ports.StatsCollector, breakers *breaker.Map, decay config.DecayConfig) *WeightedSelector {
	return &WeightedSelector{cfg: cfg, metrics: metrics, breakers: breakers, decay: decay}
}

func (w *WeightedSelector) Name() string { return "weighted" }

func (w *WeightedSelector) Select(ctx context.Context, model string, candidates []*domain.Server) (*domain.Server, error) {
	routable := filterRoutable(candidates)
	if len(routable) == 0 {
		return nil, domain.ErrNoCandidate
	}

	var best *domain.Server
	var bestScore float64
	for i, s := range routable {
		score := w.score(s, model)
		if i == 0 || score > bestScore {
			best = s
			bestScore = score
		}
	}
	return best, nil
}

func (w *WeightedSelector) score(s *domain.Server, model string) float64 {
	cfg := w.cfg
	latency := blendedLatency(w.metrics, s.ID, model, cfg)
	latencyScore := 100 * (1 - clamp(float64(latency)/float64(cfg.Thresholds.MaxP95Latency), 0, 1))

	rate5m := 1 - errorRate(w.metrics, s.ID, model, domain.Window5Minutes, w.decay)
	successRateScore := clamp(rate5m*100, 0, 100)
	if rate5m < cfg.Thresholds.MinSuccessRate {
		successRateScore -= cfg.Thresholds.ErrorPenalty * 100
		successRateScore = clamp(successRateScore, 0, 100)
	}

	maxConcurrency := s.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = cfg.DefaultMaxConcurrency
	}
	inFlight := w.metrics.InFlight(s.ID, model)
	loadScore := 100 * (1 - clamp(float64(inFlight)/(2*float64(maxConcurrency)), 0, 1))

	available := maxConcurrency - inFlight
	if available < 0 {
		available = 0
	}
	capacityScore := clamp(float64(available)/float64(maxConcurrency)*100, 0, 100)

	var circuitBreakerScore float64
	if w.breakers != nil {
		if snap, ok := w.breakers.Snapshot(s.ID, model); ok {
			switch snap.State {
			case domain.BreakerClosed:
				circuitBreakerScore = 100
			case domain.BreakerHalfOpen:
				circuitBreakerScore = 20
			case domain.BreakerOpen:
				circuitBreakerScore = 5
			}
			circuitBreakerScore -= float64(snap.ConsecutiveFails) * 5
			circuitBreakerScore = clamp(circuitBreakerScore, 0, 100)
		} else {
			circuitBreakerScore = 100
		}
	} else {
		circuitBreakerScore = 100
	}

	// No per-server adaptive-timeout model exists, so the estimate derives
	// from the blended latency - a server that's currently slow is also the
	// one whose effective timeout budget is most pressured.
	estTimeout := latency * 2
	timeoutScore := 100 * (1 - clamp(estTimeout.Seconds()/300, 0, 1))

	weights := cfg.Weights
	return weights.Latency*latencyScore +
		weights.SuccessRate*successRateScore +
		weights.Load*loadScore +
		weights.Capacity*capacityScore +
		weights.CircuitBreaker*circuitBreakerScore +
		weights.Timeout*timeoutScore
}

func (w *WeightedSelector) OnDispatch(server *domain.Server)                         {}
func (w *WeightedSelector) OnComplete(server *domain.Server, latency int64, ok bool) {}
