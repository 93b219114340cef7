package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/util"
)

// probeResult is what one server's main health probe produced. The OK
// flags record which individual probes answered so reconcile never
// overwrites registry state with data a failed probe didn't produce.
type probeResult struct {
	models   []domain.ModelInfo
	loaded   []domain.LoadedModel
	caps     domain.CapabilityFlags
	latency  time.Duration
	modelsOK bool
	loadedOK bool
	capsOK   bool
	healthy  bool
	err      error
	kind     domain.ErrorKind
}

// probeServer fans out the three probes in parallel - list-models (with
// retry), list-loaded-models (short timeout) and alt-API capability
// discovery. Per spec.md §4.6 the server is healthy if any enumeration
// endpoint answers within the timeout; discovery is never fatal.
func (s *Scheduler) probeServer(ctx context.Context, server *domain.Server) probeResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var res probeResult
	start := s.now()
	var modelsElapsed, loadedElapsed time.Duration
	var modelsErr, loadedErr error

	// A failed probe must not cancel its siblings, so this is a plain
	// group rather than errgroup.WithContext - each goroutine writes its
	// own fields and always returns nil.
	var g errgroup.Group
	g.Go(func() error {
		models, err := s.probeWithRetry(ctx, server)
		modelsElapsed = s.now().Sub(start)
		if err != nil {
			modelsErr = err
			return nil
		}
		res.models = models
		res.modelsOK = true
		return nil
	})
	g.Go(func() error {
		loaded, err := s.client.ListLoadedModels(ctx, server)
		loadedElapsed = s.now().Sub(start)
		if err != nil {
			loadedErr = err
			return nil
		}
		res.loaded = loaded
		res.loadedOK = true
		return nil
	})
	g.Go(func() error {
		caps, err := s.client.DiscoverCapabilities(ctx, server)
		if err != nil {
			return nil
		}
		res.caps = caps
		res.capsOK = true
		return nil
	})
	_ = g.Wait()

	res.healthy = res.modelsOK || res.loadedOK
	switch {
	case res.modelsOK:
		res.latency = modelsElapsed
	case res.loadedOK:
		res.latency = loadedElapsed
	default:
		res.latency = modelsElapsed
		res.err = modelsErr
		if res.err == nil {
			res.err = loadedErr
		}
		if res.err != nil {
			res.kind = classifyProbeError(res.err)
		}
	}
	return res
}

// probeWithRetry calls ListModels, retrying transient failures up to
// cfg.RetryAttempts times (so at most RetryAttempts+1 calls) with
// exponential backoff, mirroring the teacher's HealthClient retry loop.
func (s *Scheduler) probeWithRetry(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error) {
	var lastErr error
	attempts := s.cfg.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		models, err := s.client.ListModels(ctx, server)
		if err == nil {
			return models, nil
		}
		lastErr = err

		kind := classifyProbeError(err)
		if !kind.IsTransient() && kind != domain.ErrorKindNone {
			return nil, err // non-retryable - don't burn the remaining attempts
		}
		if attempt == attempts {
			break
		}

		delay := s.cfg.RetryDelay
		if s.cfg.BackoffMultiplier > 0 {
			delay = durationFromBackoff(attempt, s.cfg.RetryDelay, s.cfg.BackoffMultiplier)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func classifyProbeError(err error) domain.ErrorKind {
	if kind, ok := domain.ClassifyMessage(err.Error()); ok {
		return kind
	}
	return domain.ErrorKindTimeout
}

// reconcile folds a successful probe's results back into the registry.
// Each piece is applied only when its probe answered: Models is replaced
// wholesale, LoadedModel is set to the most recently reported resident
// model, Capabilities to whatever discovery saw.
func (s *Scheduler) reconcile(ctx context.Context, server *domain.Server, res probeResult) {
	var names []string
	if res.modelsOK {
		names = make([]string, 0, len(res.models))
		for _, m := range res.models {
			names = append(names, m.Name)
		}
	}

	var loaded *domain.LoadedModel
	if len(res.loaded) > 0 {
		lm := res.loaded[len(res.loaded)-1]
		loaded = &lm
	}

	now := s.now()
	_, err := s.registry.Update(ctx, server.ID, func(srv *domain.Server) {
		if res.modelsOK {
			srv.Models = names
		}
		if res.loadedOK {
			srv.LoadedModel = loaded
		}
		if res.capsOK {
			srv.Capabilities = res.caps
		}
		srv.Healthy = true
		srv.LastChecked = now
		srv.LastResponseTime = res.latency
		srv.ConsecutiveFails = 0
		srv.BackoffStep = 0
		srv.NextCheckTime = now.Add(s.cfg.Interval)
	})
	if err != nil && s.log != nil {
		s.log.ErrorWithServer("failed to reconcile server after health probe", server.ID, "error", err)
	}
}

// markFailed records a failed main probe: consecutive-failure counter is
// bumped and the server is marked unhealthy once FailureThreshold is
// reached, with an exponential backoff applied to its next check time.
func (s *Scheduler) markFailed(ctx context.Context, server *domain.Server, res probeResult) {
	now := s.now()
	var wasHealthy bool
	updated, err := s.registry.Update(ctx, server.ID, func(srv *domain.Server) {
		wasHealthy = srv.Healthy
		srv.ConsecutiveFails++
		srv.LastChecked = now
		if srv.ConsecutiveFails >= s.cfg.FailureThreshold {
			srv.Healthy = false
		}
		srv.BackoffStep++
		backoff := util.ExponentialBackoff(srv.BackoffStep, s.cfg.RetryDelay, s.cfg.Interval, s.cfg.BackoffMultiplier)
		srv.NextCheckTime = now.Add(s.cfg.Interval + backoff)
	})
	if err != nil {
		if s.log != nil {
			s.log.ErrorWithServer("failed to update server after failed health probe", server.ID, "error", err)
		}
		return
	}
	if wasHealthy && !updated.Healthy && s.log != nil {
		s.log.InfoHealthStatus("health check", server.ID, false, "reason", res.kind, "error", res.err)
	}
}

// minimalProbeBody is the smallest request body that elicits a real
// generation response from a backend, used only to actively re-test a
// half-open (server, model) pair without relying on streaming output.
func minimalProbeBody(model string) io.Reader {
	payload := fmt.Sprintf(`{"model":%q,"prompt":"ping","stream":false,"options":{"num_predict":1}}`, model)
	return bytes.NewReader([]byte(payload))
}

// activeRecoveryTest issues one minimal generation call for (serverID,
// model) to decide whether its breaker should be allowed out of
// half-open, per spec.md §4.6. ports.BackendClient has no dedicated ping
// endpoint, so Generate with a single-token budget and discarded output
// stands in for it.
func (s *Scheduler) activeRecoveryTest(ctx context.Context, server *domain.Server, model string) error {
	timeout := s.recovery.testTimeout(server.ID, model)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := s.client.Generate(ctx, server, minimalProbeBody(model), false, io.Discard)
	return err
}

func durationFromBackoff(attempt int, base time.Duration, multiplier float64) time.Duration {
	return util.ExponentialBackoff(attempt, base, base*10, multiplier)
}
