package balancer

import (
	"fmt"
	"sync"

	"github.com/relaymesh/relay/internal/adapter/breaker"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

const (
	AlgorithmWeighted           = "weighted"
	AlgorithmFastestResponse    = "fastest-response"
	AlgorithmStreamingOptimized = "streaming-optimized"
	AlgorithmRoundRobin         = "round-robin"
	AlgorithmLeastConnections   = "least-connections"
	AlgorithmRandom             = "random"
)

// Factory builds a domain.ServerSelector by name, grounded on the
// teacher's balancer factory registration pattern.
type Factory struct {
	mu       sync.RWMutex
	creators map[string]func() domain.ServerSelector
}

// NewFactory builds every registered selector. decay is spec.md §4.2's
// staleness-decay config (metrics.decay in the configuration surface),
// threaded through to every selector that reads error rates or latency off
// the stats collector.
func NewFactory(cfg config.LoadBalancerConfig, metrics ports.StatsCollector, breakers *breaker.Map, decay config.DecayConfig) *Factory {
	f := &Factory{creators: make(map[string]func() domain.ServerSelector)}

	f.Register(AlgorithmWeighted, func() domain.ServerSelector { return NewWeighted(cfg, metrics, breakers, decay) })
	f.Register(AlgorithmFastestResponse, func() domain.ServerSelector { return NewFastestResponse(cfg, metrics, decay) })
	f.Register(AlgorithmStreamingOptimized, func() domain.ServerSelector { return NewStreamingOptimized(cfg, metrics, decay) })
	f.Register(AlgorithmRoundRobin, func() domain.ServerSelector { return NewRoundRobin(cfg.RoundRobin) })
	f.Register(AlgorithmLeastConnections, func() domain.ServerSelector { return NewLeastConnections(cfg.LeastConnections, metrics, decay) })
	f.Register(AlgorithmRandom, func() domain.ServerSelector { return NewRandom() })

	return f
}

func (f *Factory) Register(name string, creator func() domain.ServerSelector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

func (f *Factory) Create(name string) (domain.ServerSelector, error) {
	f.mu.RLock()
	creator, ok := f.creators[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown load balancer algorithm: %s", name)
	}
	return creator(), nil
}

func (f *Factory) AvailableAlgorithms() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.creators))
	for name := range f.creators {
		out = append(out, name)
	}
	return out
}
