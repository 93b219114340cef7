package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/adapter/breaker"
	"github.com/relaymesh/relay/internal/adapter/registry"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/theme"
)

func healthTestLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.Default(), theme.GetTheme(""))
}

func healthCfg() config.HealthCheckConfig {
	return config.HealthCheckConfig{
		Enabled:             true,
		Interval:            time.Hour,
		Timeout:             time.Second,
		MaxConcurrentChecks: 4,
		RetryAttempts:       1,
		RetryDelay:          time.Millisecond,
		RecoveryInterval:    time.Hour,
		FailureThreshold:    2,
		SuccessThreshold:    1,
		BackoffMultiplier:   2,
	}
}

// fakeClient is a scripted ports.BackendClient fake for scheduler tests.
type fakeClient struct {
	listModelsErr error
	loadedErr     error
	models        []domain.ModelInfo
	generateErr   error
}

func (f *fakeClient) ListModels(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error) {
	if f.listModelsErr != nil {
		return nil, f.listModelsErr
	}
	return f.models, nil
}

func (f *fakeClient) ListLoadedModels(ctx context.Context, server *domain.Server) ([]domain.LoadedModel, error) {
	if f.loadedErr != nil {
		return nil, f.loadedErr
	}
	return nil, nil
}

func (f *fakeClient) DiscoverCapabilities(ctx context.Context, server *domain.Server) (domain.CapabilityFlags, error) {
	return domain.CapabilityFlags{SupportsPrimary: f.listModelsErr == nil}, nil
}

func (f *fakeClient) Generate(ctx context.Context, server *domain.Server, body io.Reader, streaming bool, w io.Writer) (*ports.BackendResult, error) {
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &ports.BackendResult{}, nil
}

func (f *fakeClient) Chat(ctx context.Context, server *domain.Server, body io.Reader, streaming bool, w io.Writer) (*ports.BackendResult, error) {
	return &ports.BackendResult{}, nil
}

func (f *fakeClient) Embed(ctx context.Context, server *domain.Server, body io.Reader) (*ports.BackendResult, error) {
	return &ports.BackendResult{}, nil
}

func TestSchedulerCheckOneMarksHealthy(t *testing.T) {
	reg := registry.NewMemoryServerRegistry(nil, 4, healthTestLogger())
	ctx := context.Background()
	srv, _ := reg.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	client := &fakeClient{models: []domain.ModelInfo{{Name: "llama3"}}}
	s := NewScheduler(healthCfg(), config.PersistenceConfig{}, reg, client, breaker.NewMap(config.CircuitBreakerConfig{}, nil), nil, nil, healthTestLogger())

	s.checkOne(ctx, srv)

	got, _ := reg.Get(ctx, srv.ID)
	if !got.Healthy {
		t.Fatal("expected server to be marked healthy after a successful probe")
	}
	if len(got.Models) != 1 || got.Models[0] != "llama3" {
		t.Errorf("expected models reconciled, got %+v", got.Models)
	}
}

func TestSchedulerCheckOneMarksFailedAfterThreshold(t *testing.T) {
	reg := registry.NewMemoryServerRegistry(nil, 4, healthTestLogger())
	ctx := context.Background()
	srv, _ := reg.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})
	reg.Update(ctx, srv.ID, func(s *domain.Server) { s.Healthy = true })

	client := &fakeClient{
		listModelsErr: errors.New("connection refused"),
		loadedErr:     errors.New("connection refused"),
	}
	cfg := healthCfg()
	s := NewScheduler(cfg, config.PersistenceConfig{}, reg, client, breaker.NewMap(config.CircuitBreakerConfig{}, nil), nil, nil, healthTestLogger())

	s.checkOne(ctx, srv)
	got, _ := reg.Get(ctx, srv.ID)
	if !got.Healthy {
		t.Fatal("expected server to remain healthy below the failure threshold")
	}

	s.checkOne(ctx, srv)
	got, _ = reg.Get(ctx, srv.ID)
	if got.Healthy {
		t.Fatal("expected server to be marked unhealthy once the failure threshold is reached")
	}
	if got.ConsecutiveFails != 2 {
		t.Errorf("expected 2 consecutive fails, got %d", got.ConsecutiveFails)
	}
}

func TestSchedulerForceCheck(t *testing.T) {
	reg := registry.NewMemoryServerRegistry(nil, 4, healthTestLogger())
	ctx := context.Background()
	srv, _ := reg.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	client := &fakeClient{models: []domain.ModelInfo{{Name: "m1"}}}
	s := NewScheduler(healthCfg(), config.PersistenceConfig{}, reg, client, breaker.NewMap(config.CircuitBreakerConfig{}, nil), nil, nil, healthTestLogger())

	s.ForceCheck(ctx, srv)
	got, _ := reg.Get(ctx, srv.ID)
	if !got.Healthy {
		t.Fatal("expected ForceCheck to probe immediately and mark the server healthy")
	}
}

func TestSchedulerActiveRecoveryTestSuccess(t *testing.T) {
	reg := registry.NewMemoryServerRegistry(nil, 4, healthTestLogger())
	ctx := context.Background()
	srv, _ := reg.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	cbCfg := config.CircuitBreakerConfig{
		BaseFailureThreshold: 1, OpenTimeout: time.Millisecond, HalfOpenMaxRequests: 3,
		RecoverySuccessThreshold: 1, ErrorRateWindow: time.Minute, ErrorRateThreshold: 1.0,
		ErrorRateSmoothing: 1.0,
	}
	breakers := breaker.NewMap(cbCfg, nil)
	now := time.Now()
	breakers.RecordResult(srv.ID, "m1", now, false, domain.ErrorKindTimeout) // trip open
	breakers.CanExecute(srv.ID, "m1", now.Add(2*time.Millisecond))          // -> half-open

	client := &fakeClient{}
	s := NewScheduler(healthCfg(), config.PersistenceConfig{}, reg, client, breakers, nil, nil, healthTestLogger())
	s.now = func() time.Time { return now.Add(2 * time.Millisecond) }

	s.testOne(ctx, srv, "m1")

	snap, ok := breakers.Snapshot(srv.ID, "m1")
	if !ok {
		t.Fatal("expected breaker snapshot to exist")
	}
	if snap.State != domain.BreakerClosed {
		t.Fatalf("expected breaker closed after successful recovery test, got %v", snap.State)
	}
}

func TestSchedulerDisabledStartIsNoOp(t *testing.T) {
	reg := registry.NewMemoryServerRegistry(nil, 4, healthTestLogger())
	cfg := healthCfg()
	cfg.Enabled = false
	s := NewScheduler(cfg, config.PersistenceConfig{}, reg, &fakeClient{}, breaker.NewMap(config.CircuitBreakerConfig{}, nil), nil, nil, healthTestLogger())

	s.Start(context.Background())
	s.Stop() // should return promptly since done is already closed
}

func TestSchedulerProbeHealthyViaLoadedModelsAlone(t *testing.T) {
	reg := registry.NewMemoryServerRegistry(nil, 4, healthTestLogger())
	ctx := context.Background()
	srv, _ := reg.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})
	reg.Update(ctx, srv.ID, func(s *domain.Server) { s.Models = []string{"m1"} })

	// list-models is down but the loaded-models endpoint still answers -
	// any successful enumeration keeps the server healthy, and the known
	// model inventory is not wiped by the failed probe.
	client := &fakeClient{listModelsErr: errors.New("connection refused")}
	s := NewScheduler(healthCfg(), config.PersistenceConfig{}, reg, client, breaker.NewMap(config.CircuitBreakerConfig{}, nil), nil, nil, healthTestLogger())

	s.checkOne(ctx, srv)

	got, _ := reg.Get(ctx, srv.ID)
	if !got.Healthy {
		t.Fatal("expected server healthy when one enumeration endpoint answers")
	}
	if len(got.Models) != 1 || got.Models[0] != "m1" {
		t.Errorf("expected model inventory preserved, got %+v", got.Models)
	}
}

func TestCheckScheduleOrdersByDueTime(t *testing.T) {
	cs := newCheckSchedule()
	now := time.Now()
	cs.add("late", now.Add(time.Minute))
	cs.add("early", now.Add(-time.Second))
	cs.add("early", now.Add(time.Hour)) // duplicate - ignored
	cs.add("now", now)

	due := cs.popDue(now)
	if len(due) != 2 || due[0] != "early" || due[1] != "now" {
		t.Fatalf("expected [early now], got %v", due)
	}
	if cs.len() != 1 {
		t.Fatalf("expected the late entry to stay queued, got %d", cs.len())
	}
	if again := cs.popDue(now); len(again) != 0 {
		t.Fatalf("expected nothing further due, got %v", again)
	}

	// popped entries can be queued again
	cs.add("early", now)
	if due := cs.popDue(now); len(due) != 1 || due[0] != "early" {
		t.Fatalf("expected requeued entry to pop, got %v", due)
	}
}

func TestSchedulerRunDueChecksProbesAndRequeues(t *testing.T) {
	reg := registry.NewMemoryServerRegistry(nil, 4, healthTestLogger())
	ctx := context.Background()
	srv, _ := reg.Add(ctx, domain.ServerSpec{Name: "a", URL: "http://localhost:11434"})

	client := &fakeClient{models: []domain.ModelInfo{{Name: "m1"}}}
	s := NewScheduler(healthCfg(), config.PersistenceConfig{}, reg, client, breaker.NewMap(config.CircuitBreakerConfig{}, nil), nil, nil, healthTestLogger())

	s.resyncSchedule(ctx)
	if s.schedule.len() != 1 {
		t.Fatalf("expected 1 scheduled check after resync, got %d", s.schedule.len())
	}

	s.runDueChecks(ctx)

	got, _ := reg.Get(ctx, srv.ID)
	if !got.Healthy {
		t.Fatal("expected due check to probe and mark the server healthy")
	}
	if s.schedule.len() != 1 {
		t.Fatalf("expected server requeued after its probe, got %d entries", s.schedule.len())
	}
	if due := s.schedule.popDue(s.now()); len(due) != 0 {
		t.Fatalf("expected requeued check to be due only after the interval, got %v", due)
	}
}
