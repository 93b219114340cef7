// Package orchestrator wires registry, metrics, circuit breaker, load
// balancer, queue and proxy together into the single dispatch pipeline of
// spec.md §4.7: admit, select, execute, retry, failover, record -
// grounded on the way the teacher's internal/app services compose their
// adapters via constructor injection, with no package-level state.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/adapter/breaker"
	"github.com/relaymesh/relay/internal/adapter/queue"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/pkg/eventbus"
	"github.com/relaymesh/relay/pkg/pool"
)

// Factory builds a domain.ServerSelector by algorithm name - satisfied by
// balancer.Factory, kept as an interface here so orchestrator doesn't
// import the balancer package just for this one method.
type Factory interface {
	Create(name string) (domain.ServerSelector, error)
	AvailableAlgorithms() []string
}

// Orchestrator implements ports.ProxyService.
type Orchestrator struct {
	registry   domain.ServerRegistry
	metrics    ports.StatsCollector
	breakers   *breaker.Map
	queue      *queue.Queue
	client     ports.BackendClient
	store      ports.Store
	classifier *breaker.Classifier
	log        *logger.StyledLogger
	now        func() time.Time

	lbCfg       config.LoadBalancerConfig
	retryCfg    config.RetryConfig
	cooldown    config.CooldownConfig
	persistCfg  config.PersistenceConfig
	enableQueue bool

	factory Factory
	selMu   sync.RWMutex
	sel     domain.ServerSelector
	algName string

	statePool *pool.Pool[*dispatchState]

	decisions *eventbus.EventBus[domain.DecisionEvent]
	history   *history

	stop chan struct{}
	done chan struct{}
}

// dispatchState is the per-request scratch struct pooled across dispatch
// calls - the candidate slice is the only allocation worth reusing on the
// hot path.
type dispatchState struct {
	candidates []*domain.Candidate
	attempts   []domain.Attempt
}

func (d *dispatchState) Reset() {
	d.candidates = d.candidates[:0]
	d.attempts = d.attempts[:0]
}

// New wires an Orchestrator. store may be nil, in which case persistence
// flushing is skipped entirely (equivalent to persistence.enabled=false).
func New(
	registry domain.ServerRegistry,
	metrics ports.StatsCollector,
	breakers *breaker.Map,
	q *queue.Queue,
	client ports.BackendClient,
	store ports.Store,
	factory Factory,
	cfg *config.Config,
	log *logger.StyledLogger,
) (*Orchestrator, error) {
	sel, err := factory.Create(cfg.LoadBalancer.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("create load balancer: %w", err)
	}

	o := &Orchestrator{
		registry:    registry,
		metrics:     metrics,
		breakers:    breakers,
		queue:       q,
		client:      client,
		store:       store,
		classifier:  breaker.NewClassifier(cfg.CircuitBreaker.ErrorPatterns),
		log:         log,
		now:         time.Now,
		lbCfg:       cfg.LoadBalancer,
		retryCfg:    cfg.Retry,
		cooldown:    cfg.Cooldown,
		persistCfg:  cfg.Persistence,
		enableQueue: cfg.EnableQueue,
		factory:     factory,
		sel:         sel,
		algName:     cfg.LoadBalancer.Algorithm,
		statePool:   pool.NewLitePool(func() *dispatchState { return &dispatchState{} }),
		decisions:   eventbus.New[domain.DecisionEvent](),
		history:     newHistory(256, 1024),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	return o, nil
}

// Start launches the background loop that drains the admission queue as
// candidates free up, plus - when a Store was wired in - the periodic
// persistence flush of spec.md §5's "persistence flush" background timer.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.queueDispatchLoop(ctx)
	if o.store != nil {
		go o.persistLoop(ctx)
	}
}

// persistLoop snapshots registry, metrics and history state to the store
// on persistCfg.FlushInterval. Each Save call is independent so one
// failing file (e.g. a transient disk error) doesn't block the others.
func (o *Orchestrator) persistLoop(ctx context.Context) {
	interval := o.persistCfg.FlushInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.flush(ctx)
		}
	}
}

func (o *Orchestrator) flush(ctx context.Context) {
	if err := o.store.SaveServers(ctx, o.registry.Snapshot(ctx)); err != nil && o.log != nil {
		o.log.Warn("failed to persist servers", "error", err)
	}
	if err := o.store.SaveBans(ctx, o.registry.BanSnapshot(ctx)); err != nil && o.log != nil {
		o.log.Warn("failed to persist bans", "error", err)
	}
	if err := o.store.SaveMetrics(ctx, o.metrics.SnapshotAll(domain.Window1Hour)); err != nil && o.log != nil {
		o.log.Warn("failed to persist metrics", "error", err)
	}
	if err := o.store.SaveDecisionHistory(ctx, o.history.Decisions()); err != nil && o.log != nil {
		o.log.Warn("failed to persist decision history", "error", err)
	}
	if err := o.store.SaveRequestHistory(ctx, o.history.Requests()); err != nil && o.log != nil {
		o.log.Warn("failed to persist request history", "error", err)
	}
}

func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
	o.decisions.Shutdown()
}

// SetAlgorithm hot-swaps the active load-balancing algorithm.
func (o *Orchestrator) SetAlgorithm(name string) error {
	sel, err := o.factory.Create(name)
	if err != nil {
		return err
	}
	o.selMu.Lock()
	o.sel = sel
	o.algName = name
	o.selMu.Unlock()
	return nil
}

func (o *Orchestrator) selector() domain.ServerSelector {
	o.selMu.RLock()
	defer o.selMu.RUnlock()
	return o.sel
}

// Decisions exposes the live decision-event stream for observers.
func (o *Orchestrator) Decisions(ctx context.Context) (<-chan domain.DecisionEvent, func()) {
	return o.decisions.Subscribe(ctx)
}

// Dispatch implements ports.ProxyService.Dispatch: admits (queueing if
// every candidate is at capacity), then repeatedly selects a candidate,
// executes with in-request retry, and fails over on terminal failure
// until a candidate succeeds or every one is exhausted.
func (o *Orchestrator) Dispatch(ctx context.Context, req *domain.RequestContext, body io.Reader, w io.Writer) (*domain.RequestContext, error) {
	bodyBytes, err := io.ReadAll(body)
	if err != nil {
		return req, fmt.Errorf("read request body: %w", err)
	}

	if req.StartTime.IsZero() {
		req.StartTime = o.now()
	}

	if o.enableQueue && !o.hasCapacity(ctx, req.Model) {
		if err := o.admit(ctx, req); err != nil {
			req.Finish(o.now(), classifyAdmissionError(err))
			return req, err
		}
	}

	return o.runPipeline(ctx, req, bodyBytes, w)
}

func (o *Orchestrator) admit(ctx context.Context, req *domain.RequestContext) error {
	queuedAt := o.now()
	item := &domain.QueueItem{
		EnqueuedAt: queuedAt,
		Request:    req,
		Model:      req.Model,
		Priority:   req.Priority,
	}
	awaiter, err := o.queue.Enqueue(ctx, item)
	if err != nil {
		return err
	}
	o.queue.IncInFlight()
	defer o.queue.DecInFlight()

	_, err = awaiter.Wait(ctx)
	if err != nil {
		return err
	}
	wait := o.now().Sub(queuedAt)
	req.QueueWaitTime = &wait
	return nil
}

func classifyAdmissionError(err error) domain.ErrorKind {
	if qerr, ok := err.(*queue.Error); ok {
		return qerr.Kind
	}
	return domain.ErrorKindCancelled
}

// runPipeline is steps 2-7 of spec.md §4.7: candidate filter, select,
// execute (with in-request retry), failover, record.
func (o *Orchestrator) runPipeline(ctx context.Context, req *domain.RequestContext, bodyBytes []byte, w io.Writer) (*domain.RequestContext, error) {
	state := o.statePool.Get()
	defer o.statePool.Put(state)

	ctx = domain.WithRequestContext(ctx, req)
	tried := make(map[string]bool)

	for {
		candidates, err := o.eligibleCandidates(ctx, req.Model, tried)
		if err != nil {
			return o.fail(req, domain.ErrorKindInternalState, state.attempts)
		}
		if len(candidates) == 0 {
			return o.fail(req, domain.ErrorKindNoCandidate, state.attempts)
		}

		server, err := o.selector().Select(ctx, req.Model, serversOf(candidates))
		if err != nil {
			return o.fail(req, domain.ErrorKindNoCandidate, state.attempts)
		}

		// Reserve the breaker slot for the chosen candidate only, here and
		// nowhere else - a half-open breaker admits a bounded number of
		// probes, and each reservation is matched by exactly one
		// RecordResult below. Losing the race to another request just
		// retries the filter without the raced server.
		if !o.breakers.CanExecute(server.ID, req.Model, o.now()) {
			tried[server.ID] = true
			continue
		}

		o.recordDecision(req, server, candidates, len(state.attempts)+1)
		o.selector().OnDispatch(server)

		result, kind, execErr := o.executeOnce(ctx, server, req, bodyBytes, w)

		now := o.now()
		success := execErr == nil
		o.breakers.RecordResult(server.ID, req.Model, now, success, kind)
		o.selector().OnComplete(server, latencyMillis(result), success)
		o.recordMetric(req, server, result, success, now)

		if success {
			req.ServerID = server.ID
			if result != nil {
				req.TokensPrompt = result.TokensPrompt
				req.TokensGenerated = result.TokensGenerated
				req.TTFT = durationPtr(result.TTFT)
				if result.StreamingDuration > 0 {
					req.StreamingDuration = durationPtr(result.StreamingDuration)
				}
			}
			req.Finish(now, domain.ErrorKindNone)
			o.history.recordRequest(server.ID, *req)
			return req, nil
		}

		tried[server.ID] = true
		state.attempts = append(state.attempts, domain.Attempt{ServerID: server.ID, Kind: kind})

		if kind.IsNonRetryable() {
			_ = o.registry.Ban(ctx, server.ID, req.Model, string(kind), o.cooldown.FailureCooldown)
		}
		if kind.IsFatal() {
			return o.fail(req, kind, state.attempts)
		}
		// transient exhausted its in-request retry budget already inside
		// executeOnce - fall through to failover onto the next candidate.
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func latencyMillis(result *ports.BackendResult) int64 {
	if result == nil {
		return 0
	}
	// TTFT and streaming duration are disjoint spans, so their sum is the
	// end-to-end latency; for unary responses the duration is zero.
	return (result.TTFT + result.StreamingDuration).Milliseconds()
}

func (o *Orchestrator) fail(req *domain.RequestContext, kind domain.ErrorKind, attempts []domain.Attempt) (*domain.RequestContext, error) {
	now := o.now()
	req.Finish(now, kind)
	attemptsCopy := append([]domain.Attempt(nil), attempts...)
	return req, &domain.DispatchError{Kind: kind, Attempts: attemptsCopy}
}

func (o *Orchestrator) recordMetric(req *domain.RequestContext, server *domain.Server, result *ports.BackendResult, success bool, now time.Time) {
	ev := domain.MetricEvent{
		Timestamp: now,
		ServerID:  server.ID,
		Model:     req.Model,
		Success:   success,
		Streaming: req.Streaming,
	}
	if result != nil {
		ev.TTFT = result.TTFT
		ev.TokensGenerated = result.TokensGenerated
		ev.Latency = result.TTFT + result.StreamingDuration
	}
	o.metrics.RecordRequest(ev)
}

func (o *Orchestrator) recordDecision(req *domain.RequestContext, chosen *domain.Server, candidates []*domain.Candidate, attempt int) {
	ev := domain.DecisionEvent{
		Timestamp:  o.now(),
		RequestID:  req.ID,
		Model:      req.Model,
		Algorithm:  o.algName,
		Chosen:     chosen.ID,
		Candidates: derefCandidates(candidates),
		Attempt:    attempt,
	}
	o.history.recordDecision(ev)
	o.decisions.PublishAsync(ev)
}

func derefCandidates(in []*domain.Candidate) []domain.Candidate {
	out := make([]domain.Candidate, len(in))
	for i, c := range in {
		out[i] = *c
	}
	return out
}

func serversOf(candidates []*domain.Candidate) []*domain.Server {
	out := make([]*domain.Server, len(candidates))
	for i, c := range candidates {
		out[i] = c.Server
	}
	return out
}

// Pause, Resume, Drain implement ports.ProxyService's flow-control surface
// over the admission queue.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.queue.Pause()
	return nil
}

func (o *Orchestrator) Resume(ctx context.Context) error {
	o.queue.Resume()
	return nil
}

func (o *Orchestrator) Drain(ctx context.Context, timeout time.Duration) bool {
	return o.queue.Drain(timeout)
}

var _ ports.ProxyService = (*Orchestrator)(nil)
