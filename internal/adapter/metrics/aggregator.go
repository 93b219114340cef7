// Package metrics implements the bounded sliding-window metrics aggregator:
// per-(server,model) tumbling windows, latency/TTFT percentiles, connection
// tracking and staleness decay.
package metrics

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
)

type serverModelState struct {
	windows      map[domain.WindowResolution]*window
	inFlight     atomic.Int64
	queued       atomic.Int64
	lastEventNs  atomic.Int64
	lastLatency  atomic.Int64 // nanoseconds, most recent observed latency
}

func newServerModelState(ringSize int, now time.Time) *serverModelState {
	s := &serverModelState{windows: make(map[domain.WindowResolution]*window, len(domain.AllWindowResolutions))}
	for _, res := range domain.AllWindowResolutions {
		s.windows[res] = newWindow(res, ringSize, now)
	}
	return s
}

// Aggregator is the single writer for metric events; reads return
// independent per-(server,model) snapshots (ports.StatsCollector).
type Aggregator struct {
	cfg    config.MetricsConfig
	states *xsync.MapOf[string, *serverModelState]
	mirror *PrometheusMirror // nil when Prometheus export isn't wired in
}

func New(cfg config.MetricsConfig, mirror *PrometheusMirror) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		states: xsync.NewMapOf[string, *serverModelState](),
		mirror: mirror,
	}
}

func key(serverID, model string) string { return serverID + "|" + model }

func (a *Aggregator) stateFor(serverID, model string, now time.Time) *serverModelState {
	s, _ := a.states.LoadOrCompute(key(serverID, model), func() *serverModelState {
		return newServerModelState(a.cfg.RecentLatencyRing, now)
	})
	return s
}

var _ ports.StatsCollector = (*Aggregator)(nil)

func (a *Aggregator) RecordRequest(ev domain.MetricEvent) {
	if !a.cfg.Enabled {
		return
	}
	s := a.stateFor(ev.ServerID, ev.Model, ev.Timestamp)
	for _, w := range s.windows {
		w.record(ev)
	}
	s.lastEventNs.Store(ev.Timestamp.UnixNano())
	s.lastLatency.Store(int64(ev.Latency))

	if a.mirror != nil {
		a.mirror.Observe(ev)
	}
}

func (a *Aggregator) RecordConnection(serverID, model string, delta int) {
	s := a.stateFor(serverID, model, time.Now())
	s.inFlight.Add(int64(delta))
}

func (a *Aggregator) RecordHealthProbe(serverID string, success bool, latency time.Duration) {
	ev := domain.MetricEvent{
		Timestamp: time.Now(),
		ServerID:  serverID,
		Model:     "",
		Latency:   latency,
		Success:   success,
	}
	a.RecordRequest(ev)
}

func (a *Aggregator) InFlight(serverID, model string) int {
	s, ok := a.states.Load(key(serverID, model))
	if !ok {
		return 0
	}
	return int(s.inFlight.Load())
}

func (a *Aggregator) Snapshot(serverID, model string, resolution domain.WindowResolution) (domain.ServerModelMetrics, bool) {
	s, ok := a.states.Load(key(serverID, model))
	if !ok {
		return domain.ServerModelMetrics{}, false
	}
	w, ok := s.windows[resolution]
	if !ok {
		return domain.ServerModelMetrics{}, false
	}
	return w.snapshot(serverID, model), true
}

func (a *Aggregator) SnapshotAll(resolution domain.WindowResolution) []domain.ServerModelMetrics {
	out := make([]domain.ServerModelMetrics, 0, a.states.Size())
	a.states.Range(func(k string, s *serverModelState) bool {
		serverID, model := splitKey(k)
		if w, ok := s.windows[resolution]; ok {
			out = append(out, w.snapshot(serverID, model))
		}
		return true
	})
	return out
}

func splitKey(k string) (serverID, model string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// DecayFactor implements spec.md §4.2's half-life decay: effective = raw *
// 0.5^((now-lastUpdate)/halfLife), floored at minFactor, applied only once
// now-lastUpdate exceeds staleThreshold.
func DecayFactor(now, lastUpdate time.Time, halfLife time.Duration, minFactor float64, staleThreshold time.Duration) float64 {
	age := now.Sub(lastUpdate)
	if age <= staleThreshold || halfLife <= 0 {
		return 1.0
	}
	factor := math.Pow(0.5, float64(age)/float64(halfLife))
	if factor < minFactor {
		factor = minFactor
	}
	return factor
}

// BlendLatency implements spec.md §4.2's blending: effective latency is
// recent*wR + historical*wH with wR+wH == 1, where historical is typically
// P95 and recent is the last observed response time.
func BlendLatency(recent, historical time.Duration, weightRecent, weightHistorical float64) time.Duration {
	return time.Duration(float64(recent)*weightRecent + float64(historical)*weightHistorical)
}

// LastObservedLatency returns the most recently recorded single-request
// latency for (serverID, model), used as the "recent" term in BlendLatency.
func (a *Aggregator) LastObservedLatency(serverID, model string) time.Duration {
	s, ok := a.states.Load(key(serverID, model))
	if !ok {
		return 0
	}
	return time.Duration(s.lastLatency.Load())
}

// LastEventTime returns when (serverID, model) last recorded an event, used
// to drive staleness decay.
func (a *Aggregator) LastEventTime(serverID, model string) time.Time {
	s, ok := a.states.Load(key(serverID, model))
	if !ok {
		return time.Time{}
	}
	ns := s.lastEventNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
