package balancer

import (
	"context"
	"math/rand"

	"github.com/relaymesh/relay/internal/core/domain"
)

// RandomSelector picks uniformly over candidates - useful for chaos
// testing and A/B comparisons between server pools.
type RandomSelector struct{}

func NewRandom() *RandomSelector { return &RandomSelector{} }

func (r *RandomSelector) Name() string { return "random" }

func (r *RandomSelector) Select(ctx context.Context, model string, candidates []*domain.Server) (*domain.Server, error) {
	routable := filterRoutable(candidates)
	if len(routable) == 0 {
		return nil, domain.ErrNoCandidate
	}
	return routable[rand.Intn(len(routable))], nil
}

func (r *RandomSelector) OnDispatch(server *domain.Server)                         {}
func (r *RandomSelector) OnComplete(server *domain.Server, latency int64, ok bool) {}
