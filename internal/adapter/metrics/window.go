package metrics

import (
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/core/domain"
)

var windowSizes = map[domain.WindowResolution]time.Duration{
	domain.Window1Minute:   time.Minute,
	domain.Window5Minutes:  5 * time.Minute,
	domain.Window15Minutes: 15 * time.Minute,
	domain.Window1Hour:     time.Hour,
	domain.Window24Hours:   24 * time.Hour,
}

// window is one tumbling bucket for one (server, model, resolution). It
// advances in place when now-start >= size, per spec.md §4.2; advancing
// resets counters but keeps the ring (recent latencies remain relevant
// across a rollover since they are independently bounded).
type window struct {
	mu           sync.Mutex
	start        time.Time
	resolution   domain.WindowResolution
	size         time.Duration
	requestCount int64
	successCount int64
	failureCount int64
	tokensGen    int64
	tokensPrompt int64
	latencies    *latencyRing
	ttfts        *latencyRing
}

func newWindow(resolution domain.WindowResolution, ringSize int, now time.Time) *window {
	return &window{
		start:      now,
		resolution: resolution,
		size:       windowSizes[resolution],
		latencies:  newLatencyRing(ringSize),
		ttfts:      newLatencyRing(ringSize),
	}
}

// maybeAdvance rolls the window over if its size has elapsed. Counters
// reset to zero; the ring buffers are reused rather than reallocated since
// "recent" latencies remain a meaningful sample across a rollover.
func (w *window) maybeAdvance(now time.Time) {
	if now.Sub(w.start) < w.size {
		return
	}
	w.start = w.start.Add(w.size)
	w.requestCount = 0
	w.successCount = 0
	w.failureCount = 0
	w.tokensGen = 0
	w.tokensPrompt = 0
}

func (w *window) record(ev domain.MetricEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.maybeAdvance(ev.Timestamp)

	w.requestCount++
	if ev.Success {
		w.successCount++
	} else {
		w.failureCount++
	}
	w.tokensGen += int64(ev.TokensGenerated)
	w.latencies.Add(ev.Latency)
	if ev.TTFT > 0 {
		w.ttfts.Add(ev.TTFT)
	}
}

func (w *window) snapshot(serverID, model string) domain.ServerModelMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	sortedLat := w.latencies.Snapshot()
	sortedTTFT := w.ttfts.Snapshot()
	p50, p95, p99 := Percentiles(sortedLat)
	p50TTFT, p95TTFT, _ := Percentiles(sortedTTFT)

	var errorRate float64
	if w.requestCount > 0 {
		errorRate = float64(w.failureCount) / float64(w.requestCount)
	}

	var avgTokensPerSec float64
	if p50 > 0 && w.tokensGen > 0 && w.requestCount > 0 {
		avgTokensPerSec = float64(w.tokensGen) / float64(w.requestCount) / p50.Seconds()
	}

	return domain.ServerModelMetrics{
		WindowStart:     w.start,
		ServerID:        serverID,
		Model:           model,
		Resolution:      w.resolution,
		RequestCount:    w.requestCount,
		SuccessCount:    w.successCount,
		FailureCount:    w.failureCount,
		P50Latency:      p50,
		P95Latency:      p95,
		P99Latency:      p99,
		P50TTFT:         p50TTFT,
		P95TTFT:         p95TTFT,
		AvgTokensPerSec: avgTokensPerSec,
		ErrorRate:       errorRate,
	}
}
