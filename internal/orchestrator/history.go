package orchestrator

import (
	"sync"

	"github.com/relaymesh/relay/internal/core/domain"
)

// history keeps the bounded in-memory decision and request trails that
// persistence.Store flushes to decision-history.json and
// request-history.json - a ring per data set so a long-running instance
// never grows these without bound.
type history struct {
	mu sync.Mutex

	decisionCap int
	decisions   []domain.DecisionEvent

	requestCapPerServer int
	requests            map[string][]domain.RequestContext
}

func newHistory(decisionCap, requestCapPerServer int) *history {
	return &history{
		decisionCap:         decisionCap,
		requestCapPerServer: requestCapPerServer,
		requests:            make(map[string][]domain.RequestContext),
	}
}

func (h *history) recordDecision(ev domain.DecisionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.decisions = append(h.decisions, ev)
	if over := len(h.decisions) - h.decisionCap; over > 0 {
		h.decisions = h.decisions[over:]
	}
}

func (h *history) recordRequest(serverID string, rc domain.RequestContext) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.requests[serverID], rc)
	if over := len(list) - h.requestCapPerServer; over > 0 {
		list = list[over:]
	}
	h.requests[serverID] = list
}

// Decisions returns a copy of the current decision trail, newest last.
func (h *history) Decisions() []domain.DecisionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.DecisionEvent(nil), h.decisions...)
}

// Requests returns a copy of the current per-server request trail.
func (h *history) Requests() map[string][]domain.RequestContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]domain.RequestContext, len(h.requests))
	for id, list := range h.requests {
		out[id] = append([]domain.RequestContext(nil), list...)
	}
	return out
}
