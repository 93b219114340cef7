package ports

import (
	"context"
	"io"
	"time"

	"github.com/relaymesh/relay/internal/core/domain"
)

// ProxyService is the orchestrator's public face: one dispatch call per
// client request, unary or streaming.
type ProxyService interface {
	Dispatch(ctx context.Context, req *domain.RequestContext, body io.Reader, w io.Writer) (*domain.RequestContext, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Drain(ctx context.Context, timeout time.Duration) bool
}

// DiscoveryService exposes the registry's read surface to whatever
// (out-of-scope) controller layer renders fleet status.
type DiscoveryService interface {
	GetServers(ctx context.Context) ([]*domain.Server, error)
	GetHealthyServers(ctx context.Context) ([]*domain.Server, error)
	RefreshServers(ctx context.Context) error
}

// BackendClient is the typed protocol this orchestrator speaks to every
// backend - list/generate/chat/embed per the common HTTP API shape.
type BackendClient interface {
	ListModels(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error)
	ListLoadedModels(ctx context.Context, server *domain.Server) ([]domain.LoadedModel, error)
	// DiscoverCapabilities probes which API surfaces the server exposes.
	// Best-effort: the health scheduler treats a failure as "flags
	// unknown", never as the server being down.
	DiscoverCapabilities(ctx context.Context, server *domain.Server) (domain.CapabilityFlags, error)
	Generate(ctx context.Context, server *domain.Server, body io.Reader, streaming bool, w io.Writer) (*BackendResult, error)
	Chat(ctx context.Context, server *domain.Server, body io.Reader, streaming bool, w io.Writer) (*BackendResult, error)
	Embed(ctx context.Context, server *domain.Server, body io.Reader) (*BackendResult, error)
}

// BackendResult carries the bookkeeping a proxy call needs regardless of
// which of the four backend operations produced it.
type BackendResult struct {
	TTFT              time.Duration
	StreamingDuration time.Duration
	TokensPrompt      int
	TokensGenerated   int
	StatusCode        int
	ErrorKind         domain.ErrorKind
}

// Store persists and restores the core's durable state. Implementations
// must be atomic (write-temp + rename) and tolerate missing or corrupt
// files by treating them as empty.
type Store interface {
	SaveServers(ctx context.Context, servers []*domain.Server) error
	LoadServers(ctx context.Context) ([]*domain.Server, error)

	SaveBans(ctx context.Context, bans []*domain.Ban) error
	LoadBans(ctx context.Context) ([]*domain.Ban, error)

	SaveMetrics(ctx context.Context, snapshot []domain.ServerModelMetrics) error
	LoadMetrics(ctx context.Context) ([]domain.ServerModelMetrics, error)

	SaveDecisionHistory(ctx context.Context, events []domain.DecisionEvent) error
	LoadDecisionHistory(ctx context.Context) ([]domain.DecisionEvent, error)

	SaveRequestHistory(ctx context.Context, byServer map[string][]domain.RequestContext) error
	LoadRequestHistory(ctx context.Context) (map[string][]domain.RequestContext, error)

	SaveRecoveryFailures(ctx context.Context, records []domain.RecoveryFailureRecord) error
	LoadRecoveryFailures(ctx context.Context) ([]domain.RecoveryFailureRecord, error)
}
