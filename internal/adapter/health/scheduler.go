// Package health implements the health-check scheduler of spec.md §4.6:
// an independent main probe cycle over every server plus a slower
// recovery cycle over unhealthy servers and half-open breakers, both
// bounded-concurrency fan-outs grounded on the teacher's heap/ticker
// scheduling in internal/adapter/health.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relay/internal/adapter/breaker"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/pkg/eventbus"
)

// recoveryConcurrency bounds the active half-open test fan-out
// independently of the main probe's MaxConcurrentChecks - the spec
// treats recovery testing as a lower-priority, gentler cycle.
const recoveryConcurrency = 2

// Scheduler drives both the main and recovery health-check loops against
// every registered server.
type Scheduler struct {
	cfg       config.HealthCheckConfig
	persistCfg config.PersistenceConfig
	registry  domain.ServerRegistry
	client    ports.BackendClient
	breakers  *breaker.Map
	stats     ports.StatsCollector
	store     ports.Store
	log       *logger.StyledLogger
	now       func() time.Time

	recovery *recoveryTracker
	schedule *checkSchedule
	failures *eventbus.EventBus[domain.RecoveryFailureRecord]

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler wires a Scheduler. Call Start to begin both loops and Stop
// to shut them down cleanly. store may be nil, in which case the recovery-
// failure flush cycle is skipped entirely.
func NewScheduler(
	cfg config.HealthCheckConfig,
	persistCfg config.PersistenceConfig,
	registry domain.ServerRegistry,
	client ports.BackendClient,
	breakers *breaker.Map,
	stats ports.StatsCollector,
	store ports.Store,
	log *logger.StyledLogger,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		persistCfg: persistCfg,
		registry:   registry,
		client:     client,
		breakers:   breakers,
		stats:      stats,
		store:      store,
		log:        log,
		now:        time.Now,
		recovery:   newRecoveryTracker(),
		schedule:   newCheckSchedule(),
		failures:   eventbus.New[domain.RecoveryFailureRecord](),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the main and recovery loops as background goroutines.
// It's a no-op if health checking is disabled in config.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		close(s.done)
		return
	}
	loops := 2
	if s.store != nil {
		loops++
	}
	s.wg.Add(loops)
	go s.mainLoop(ctx)
	go s.runLoop(ctx, s.cfg.RecoveryInterval, s.recoveryCycle)
	if s.store != nil {
		go s.runLoop(ctx, s.persistCfg.FlushInterval, s.flushRecoveryFailures)
	}
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// flushRecoveryFailures persists the recovery tracker's current failure
// records to recovery-failures.json on its own cadence, independent of the
// main/recovery probe cycles, per spec.md §5's per-data-file background
// task model.
func (s *Scheduler) flushRecoveryFailures(ctx context.Context) {
	if err := s.store.SaveRecoveryFailures(ctx, s.recovery.Snapshot()); err != nil {
		if s.log != nil {
			s.log.Warn("failed to persist recovery failures", "error", err)
		}
	}
}

// Stop signals both loops to exit and blocks until they have.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.failures.Shutdown()
}

// Failures streams every failed active recovery test to a subscriber -
// the feed an admin surface tails to show which (server, model) pairs are
// stuck in their backoff schedule.
func (s *Scheduler) Failures(ctx context.Context) (<-chan domain.RecoveryFailureRecord, func()) {
	return s.failures.Subscribe(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// heapPollInterval is how often the main loop drains due entries off the
// check heap - the same fine-grained poll cadence the heap needs to honour
// per-server due times that don't line up with each other.
const heapPollInterval = 100 * time.Millisecond

// mainLoop drives the main cadence off a due-time heap: each poll tick
// pops only the servers whose NextCheckTime has arrived and probes those,
// instead of scanning the whole fleet every interval. A slower resync
// tick picks up servers registered since the last seed.
func (s *Scheduler) mainLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.cfg.Interval <= 0 {
		return
	}
	s.resyncSchedule(ctx)

	poll := time.NewTicker(heapPollInterval)
	defer poll.Stop()
	resync := time.NewTicker(s.cfg.Interval)
	defer resync.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-resync.C:
			s.resyncSchedule(ctx)
		case <-poll.C:
			s.runDueChecks(ctx)
		}
	}
}

// resyncSchedule queues every registered server that isn't already on the
// heap, due at its NextCheckTime - immediately when it has never been
// checked.
func (s *Scheduler) resyncSchedule(ctx context.Context) {
	servers, err := s.registry.List(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Error("failed to list servers for health check", "error", err)
		}
		return
	}
	now := s.now()
	for _, server := range servers {
		due := server.NextCheckTime
		if due.IsZero() {
			due = now
		}
		s.schedule.add(server.ID, due)
	}
}

// runDueChecks probes every due server with a bounded fan-out, then
// requeues each at whatever NextCheckTime its probe outcome produced:
// Interval after a success, Interval plus exponential backoff after a
// failure. A server removed from the registry since it was queued simply
// drops off the schedule.
func (s *Scheduler) runDueChecks(ctx context.Context) {
	due := s.schedule.popDue(s.now())
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.MaxConcurrentChecks
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, id := range due {
		id := id
		g.Go(func() error {
			server, err := s.registry.Get(gctx, id)
			if err != nil {
				return nil
			}
			if server.InMaintenance() {
				s.schedule.add(id, s.now().Add(s.cfg.Interval))
				return nil
			}
			s.checkOne(gctx, server)
			s.checkEscalation(gctx, server)
			if updated, err := s.registry.Get(gctx, id); err == nil {
				s.schedule.add(id, updated.NextCheckTime)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// checkEscalation marks a server unhealthy when breaker.Map.ShouldEscalate
// reports that too many of its per-model breakers have been open for too
// long, per spec.md §4.3's model-escalation policy - a server can still
// answer a health probe while most of the models on it are failing.
func (s *Scheduler) checkEscalation(ctx context.Context, server *domain.Server) {
	if s.breakers == nil || !server.Healthy {
		return
	}
	if !s.breakers.ShouldEscalate(server.ID, s.now()) {
		return
	}
	updated, err := s.registry.Update(ctx, server.ID, func(srv *domain.Server) {
		srv.Healthy = false
	})
	if err != nil {
		if s.log != nil {
			s.log.Warn("failed to escalate server to unhealthy", "server", server.ID, "error", err)
		}
		return
	}
	if s.log != nil {
		s.log.WarnWithServer("escalated server to unhealthy on sustained per-model breaker-open ratio", updated.ID)
	}
}

func (s *Scheduler) checkOne(ctx context.Context, server *domain.Server) {
	res := s.probeServer(ctx, server)
	if s.stats != nil {
		s.stats.RecordHealthProbe(server.ID, res.healthy, res.latency)
	}
	if res.healthy {
		s.reconcile(ctx, server, res)
	} else {
		s.markFailed(ctx, server, res)
	}
}

// recoveryCycle re-checks unhealthy servers (at the gentler recovery
// cadence) and issues active recovery tests against half-open breakers.
func (s *Scheduler) recoveryCycle(ctx context.Context) {
	servers, err := s.registry.List(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Error("failed to list servers for recovery check", "error", err)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryConcurrency)

	for _, server := range servers {
		server := server
		if !server.Healthy && !server.InMaintenance() {
			g.Go(func() error {
				s.checkOne(gctx, server)
				return nil
			})
		}
	}
	_ = g.Wait()

	s.runActiveRecoveryTests(ctx, servers)
}

// runActiveRecoveryTests issues at most one active test per (server,
// model) half-open pair per cycle, respecting each pair's backoff
// schedule, and feeds the result back into the breaker map.
func (s *Scheduler) runActiveRecoveryTests(ctx context.Context, servers []*domain.Server) {
	now := s.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryConcurrency)

	for _, server := range servers {
		server := server
		models := s.breakers.HalfOpenModels(server.ID)
		for _, model := range models {
			model := model
			if !s.recovery.due(server.ID, model, now) {
				continue
			}
			g.Go(func() error {
				s.testOne(gctx, server, model)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (s *Scheduler) testOne(ctx context.Context, server *domain.Server, model string) {
	now := s.now()
	// Reserve a half-open slot like any other attempt; without one the
	// test would sidestep the halfOpenMaxRequests budget the breaker
	// shares with live traffic.
	if !s.breakers.CanExecute(server.ID, model, now) {
		return
	}
	err := s.activeRecoveryTest(ctx, server, model)
	success := err == nil

	var kind domain.ErrorKind
	reason := ""
	if err != nil {
		reason = err.Error()
		if k, ok := domain.ClassifyMessage(reason); ok {
			kind = k
		} else {
			kind = domain.ErrorKindTimeout
		}
	}

	attempt := s.recovery.recordResult(server.ID, model, now, success, kind, reason)
	s.breakers.RecordResult(server.ID, model, now, success, kind)

	if !success {
		s.failures.PublishAsync(domain.RecoveryFailureRecord{
			Timestamp: now,
			ServerID:  server.ID,
			Model:     model,
			Reason:    kind,
			Attempt:   attempt,
		})
	}

	if success {
		s.recovery.reset(server.ID, model)
		if s.log != nil {
			s.log.InfoWithServer("active recovery test succeeded", server.ID, "model", model)
		}
		return
	}
	if s.log != nil {
		s.log.WarnWithServer("active recovery test failed", server.ID, "model", model, "reason", reason)
	}
}

// ForceCheck runs one main-cycle probe against a single server
// immediately, outside the regular ticker cadence - used by admin
// surfaces to re-check a server on demand.
func (s *Scheduler) ForceCheck(ctx context.Context, server *domain.Server) {
	s.checkOne(ctx, server)
}
