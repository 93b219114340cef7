package ports

import (
	"time"

	"github.com/relaymesh/relay/internal/core/domain"
)

// StatsCollector is the write side the orchestrator feeds on every
// completed request and health probe; the read side backs admin/status
// surfaces that live outside this module.
type StatsCollector interface {
	RecordRequest(event domain.MetricEvent)
	RecordConnection(serverID, model string, delta int)
	RecordHealthProbe(serverID string, success bool, latency time.Duration)

	Snapshot(serverID, model string, resolution domain.WindowResolution) (domain.ServerModelMetrics, bool)
	SnapshotAll(resolution domain.WindowResolution) []domain.ServerModelMetrics
	InFlight(serverID, model string) int

	// LastObservedLatency is the single most recent request latency for
	// (serverID, model), the "recent" term in the load balancer's latency
	// blend - cheaper and more responsive than re-deriving it from a 1m
	// window's P95.
	LastObservedLatency(serverID, model string) time.Duration
	// LastEventTime is when (serverID, model) last recorded an event, used
	// to drive the balancer's staleness decay.
	LastEventTime(serverID, model string) time.Time
}
