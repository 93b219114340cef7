package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/relay/internal/core/domain"
)

// PrometheusMirror fans RecordRequest events out to a Prometheus registry
// alongside the in-memory window aggregation. It never gates dispatch
// decisions - Observe is always best-effort and never returns an error.
type PrometheusMirror struct {
	reg *prom.Registry

	requestsTotal   *prom.CounterVec
	latencySeconds  *prom.HistogramVec
	ttftSeconds     *prom.HistogramVec
	tokensGenerated *prom.CounterVec
}

// NewPrometheusMirror builds a mirror against its own registry so relay's
// metrics never collide with the default global registerer.
func NewPrometheusMirror() *PrometheusMirror {
	reg := prom.NewRegistry()

	m := &PrometheusMirror{
		reg: reg,
		requestsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total dispatched requests by server, model and outcome.",
		}, []string{"server", "model", "success"}),
		latencySeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "relay",
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency by server and model.",
			Buckets:   prom.DefBuckets,
		}, []string{"server", "model"}),
		ttftSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "relay",
			Name:      "ttft_seconds",
			Help:      "Time to first token for streaming requests by server and model.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"server", "model"}),
		tokensGenerated: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "relay",
			Name:      "tokens_generated_total",
			Help:      "Total generated tokens by server and model.",
		}, []string{"server", "model"}),
	}

	reg.MustRegister(m.requestsTotal, m.latencySeconds, m.ttftSeconds, m.tokensGenerated)
	return m
}

// Observe mirrors a single metric event into the Prometheus collectors.
// Cardinality is bounded by (server, model) pairs, which the registry
// already bounds.
func (m *PrometheusMirror) Observe(ev domain.MetricEvent) {
	success := "true"
	if !ev.Success {
		success = "false"
	}
	m.requestsTotal.WithLabelValues(ev.ServerID, ev.Model, success).Inc()
	m.latencySeconds.WithLabelValues(ev.ServerID, ev.Model).Observe(ev.Latency.Seconds())
	if ev.TTFT > 0 {
		m.ttftSeconds.WithLabelValues(ev.ServerID, ev.Model).Observe(ev.TTFT.Seconds())
	}
	if ev.TokensGenerated > 0 {
		m.tokensGenerated.WithLabelValues(ev.ServerID, ev.Model).Add(float64(ev.TokensGenerated))
	}
}

// Handler exposes the registry over /metrics. Mounting it onto an HTTP
// mux is left to the caller.
func (m *PrometheusMirror) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
