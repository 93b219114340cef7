package balancer

import (
	"context"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

// StreamingOptimizedSelector scores streaming candidates on a blend of
// time-to-first-token and estimated total streaming duration; non-streaming
// requests delegate to fastest-response entirely, per spec.md §4.4.
type StreamingOptimizedSelector struct {
	cfg     config.LoadBalancerConfig
	metrics ports.StatsCollector
	fastest *FastestResponseSelector
}

func NewStreamingOptimized(cfg config.LoadBalancerConfig, metrics ports.StatsCollector, decay config.DecayConfig) *StreamingOptimizedSelector {
	return &StreamingOptimizedSelector{
		cfg:     cfg,
		metrics: metrics,
		fastest: NewFastestResponse(cfg, metrics, decay),
	}
}

func (s *StreamingOptimizedSelector) Name() string { return "streaming-optimized" }

func (s *StreamingOptimizedSelector) Select(ctx context.Context, model string, candidates []*domain.Server) (*domain.Server, error) {
	rc, _ := domain.RequestContextFromContext(ctx)
	if rc == nil || !rc.Streaming {
		return s.fastest.Select(ctx, model, candidates)
	}

	routable := filterRoutable(candidates)
	if len(routable) == 0 {
		return nil, domain.ErrNoCandidate
	}

	var best *domain.Server
	var bestScore float64
	for i, srv := range routable {
		score := s.score(srv, model)
		if i == 0 || score < bestScore {
			best = srv
			bestScore = score
		}
	}
	return best, nil
}

func (s *StreamingOptimizedSelector) score(srv *domain.Server, model string) float64 {
	cfg := s.cfg.Streaming

	var ttft time.Duration
	if snap, ok := s.metrics.Snapshot(srv.ID, model, domain.Window5Minutes); ok && snap.P95TTFT > 0 {
		ttft = time.Duration(float64(snap.P50TTFT)*cfg.TTFTBlendAvg + float64(snap.P95TTFT)*cfg.TTFTBlendP95)
	} else {
		ttft = blendedLatency(s.metrics, srv.ID, model, s.cfg)
	}

	estimatedDuration := time.Duration(float64(blendedLatency(s.metrics, srv.ID, model, s.cfg)) * cfg.DurationEstimateMultiplier)

	return float64(ttft)*cfg.TTFTWeight + float64(estimatedDuration)*cfg.DurationWeight
}

func (s *StreamingOptimizedSelector) OnDispatch(server *domain.Server) { s.fastest.OnDispatch(server) }
func (s *StreamingOptimizedSelector) OnComplete(server *domain.Server, latency int64, ok bool) {
	s.fastest.OnComplete(server, latency, ok)
}
