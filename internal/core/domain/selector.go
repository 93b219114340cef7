package domain

import "context"

// ServerSelector picks one server from a candidate set for a given model.
// Each load-balancing algorithm implements this once; the factory looks
// one up by Name().
type ServerSelector interface {
	Select(ctx context.Context, model string, candidates []*Server) (*Server, error)
	Name() string

	// OnDispatch and OnComplete let stateful algorithms (round-robin's
	// cursor, least-connections' counters) track in-flight requests
	// without the orchestrator knowing which algorithm is active.
	OnDispatch(server *Server)
	OnComplete(server *Server, latency int64, success bool)
}

var ErrNoCandidate = errNoCandidate{}

type errNoCandidate struct{}

func (errNoCandidate) Error() string { return "no candidate server available" }
