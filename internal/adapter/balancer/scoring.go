// Package balancer implements the load-balancing algorithms of spec.md
// §4.4: weighted, fastest-response, streaming-optimized, round-robin,
// least-connections and random, all selecting from an already-filtered
// candidate set.
package balancer

import (
	"time"

	"github.com/relaymesh/relay/internal/adapter/metrics"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

// blendedLatency mixes the single most recent observed latency against a
// historical P95 per spec.md §4.2's blending formula. Falls back to the
// configured default latency when there's no history at all (a freshly
// added server).
func blendedLatency(stats ports.StatsCollector, serverID, model string, cfg config.LoadBalancerConfig) time.Duration {
	recent := stats.LastObservedLatency(serverID, model)
	historical, histOK := stats.Snapshot(serverID, model, domain.Window1Hour)
	if recent == 0 && !histOK {
		return cfg.DefaultLatency
	}
	if recent == 0 {
		recent = historical.P95Latency
	}
	hist := historical.P95Latency
	if hist == 0 {
		hist = recent
	}
	return time.Duration(float64(recent)*cfg.LatencyBlendRecent + float64(hist)*cfg.LatencyBlendHistorical)
}

// errorRate reads the window's error rate and applies spec.md §4.2's
// staleness decay toward a neutral (zero) error rate when the server
// hasn't reported a request in a while - a server that's gone quiet isn't
// necessarily still as healthy (or as unhealthy) as its last window says.
func errorRate(stats ports.StatsCollector, serverID, model string, resolution domain.WindowResolution, decay config.DecayConfig) float64 {
	snap, ok := stats.Snapshot(serverID, model, resolution)
	if !ok {
		return 0
	}
	rate := snap.ErrorRate
	if decay.Enabled {
		factor := metrics.DecayFactor(time.Now(), stats.LastEventTime(serverID, model), decay.HalfLife, decay.MinDecayFactor, decay.StaleThreshold)
		rate *= factor
	}
	return rate
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// filterRoutable drops candidates whose server is nil; the heavier
// eligibility checks (model membership, breaker state, bans, maintenance,
// capacity) happen upstream in the orchestrator's candidate filter.
func filterRoutable(candidates []*domain.Server) []*domain.Server {
	out := make([]*domain.Server, 0, len(candidates))
	for _, s := range candidates {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
