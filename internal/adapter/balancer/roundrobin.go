package balancer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
)

type stickyEntry struct {
	serverID string
	expires  time.Time
}

// RoundRobinSelector cycles candidates with a monotonic counter, grounded
// on the teacher's round-robin selector, extended with sticky sessions
// keyed by client id per spec.md §4.4.
type RoundRobinSelector struct {
	cfg     config.RoundRobinConfig
	counter uint64

	mu     sync.Mutex
	sticky map[string]stickyEntry
	now    func() time.Time
}

func NewRoundRobin(cfg config.RoundRobinConfig) *RoundRobinSelector {
	return &RoundRobinSelector{
		cfg:    cfg,
		sticky: make(map[string]stickyEntry),
		now:    time.Now,
	}
}

func (r *RoundRobinSelector) Name() string { return "round-robin" }

func (r *RoundRobinSelector) Select(ctx context.Context, model string, candidates []*domain.Server) (*domain.Server, error) {
	routable := filterRoutable(candidates)
	if len(routable) == 0 {
		return nil, domain.ErrNoCandidate
	}

	if r.cfg.StickySessionsTTL > 0 {
		if rc, ok := domain.RequestContextFromContext(ctx); ok && rc.ClientID != "" {
			if s := r.stickyTarget(rc.ClientID, routable); s != nil {
				return s, nil
			}
		}
	}

	current := atomic.AddUint64(&r.counter, 1) - 1
	chosen := routable[current%uint64(len(routable))]

	if r.cfg.StickySessionsTTL > 0 {
		if rc, ok := domain.RequestContextFromContext(ctx); ok && rc.ClientID != "" {
			r.mu.Lock()
			r.sticky[rc.ClientID] = stickyEntry{serverID: chosen.ID, expires: r.now().Add(r.cfg.StickySessionsTTL)}
			r.mu.Unlock()
		}
	}

	return chosen, nil
}

// stickyTarget returns the client's previously assigned server if it is
// still in the candidate set and the sticky entry hasn't expired;
// otherwise the session is retargeted on the next round-robin pick.
func (r *RoundRobinSelector) stickyTarget(clientID string, routable []*domain.Server) *domain.Server {
	r.mu.Lock()
	entry, ok := r.sticky[clientID]
	r.mu.Unlock()
	if !ok || r.now().After(entry.expires) {
		return nil
	}
	for _, s := range routable {
		if s.ID == entry.serverID {
			return s
		}
	}
	return nil
}

func (r *RoundRobinSelector) OnDispatch(server *domain.Server)                         {}
func (r *RoundRobinSelector) OnComplete(server *domain.Server, latency int64, ok bool) {}
