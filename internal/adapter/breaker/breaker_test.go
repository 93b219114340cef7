package breaker

import (
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
)

func testCfg() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		BaseFailureThreshold:        5,
		MinFailureThreshold:         2,
		MaxFailureThreshold:         10,
		OpenTimeout:                 50 * time.Millisecond,
		HalfOpenTimeout:             50 * time.Millisecond,
		HalfOpenMaxRequests:         3,
		RecoverySuccessThreshold:    2,
		ErrorRateWindow:             time.Minute,
		ErrorRateThreshold:          0.5,
		AdaptiveThresholds:          true,
		AdaptiveThresholdAdjustment: 1,
		ErrorRateSmoothing:          1.0,
		NonRetryableRatioThreshold:  0.5,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := New(testCfg(), "s1", "m1")
	if b.State() != domain.BreakerClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
	if !b.CanExecute(time.Now()) {
		t.Fatal("expected CanExecute true when closed")
	}
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := New(testCfg(), "s1", "m1")
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected open after threshold failures, got %v", b.State())
	}
	if b.CanExecute(now) {
		t.Fatal("expected CanExecute false immediately after trip")
	}
}

func TestBreakerOpenToHalfOpenAfterTimeout(t *testing.T) {
	cfg := testCfg()
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	later := now.Add(cfg.OpenTimeout + time.Millisecond)
	if !b.CanExecute(later) {
		t.Fatal("expected CanExecute true once open timeout has elapsed")
	}
	if b.State() != domain.BreakerHalfOpen {
		t.Fatalf("expected half-open after timeout, got %v", b.State())
	}
}

func TestBreakerHalfOpenMaxRequestsGating(t *testing.T) {
	cfg := testCfg()
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	later := now.Add(cfg.OpenTimeout + time.Millisecond)

	for i := 0; i < cfg.HalfOpenMaxRequests; i++ {
		if !b.CanExecute(later) {
			t.Fatalf("attempt %d: expected CanExecute true within half-open budget", i)
		}
	}
	if b.CanExecute(later) {
		t.Fatal("expected CanExecute false once half-open budget is exhausted")
	}
}

func TestBreakerHalfOpenRecoversToClosedOnSuccesses(t *testing.T) {
	cfg := testCfg()
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	later := now.Add(cfg.OpenTimeout + time.Millisecond)
	b.CanExecute(later) // transition to half-open, consume one attempt

	for i := 0; i < cfg.RecoverySuccessThreshold; i++ {
		b.RecordResult(later, true, domain.ErrorKindNone)
	}
	if b.State() != domain.BreakerClosed {
		t.Fatalf("expected closed after recovery successes, got %v", b.State())
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cfg := testCfg()
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	later := now.Add(cfg.OpenTimeout + time.Millisecond)
	b.CanExecute(later)

	b.RecordResult(later, false, domain.ErrorKindTimeout)
	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected reopen on half-open failure, got %v", b.State())
	}
}

func TestBreakerHalfOpenExhaustionReopens(t *testing.T) {
	cfg := testCfg()
	cfg.RecoverySuccessThreshold = 10 // unreachable within the half-open budget
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	later := now.Add(cfg.OpenTimeout + time.Millisecond)

	for i := 0; i < cfg.HalfOpenMaxRequests; i++ {
		b.CanExecute(later)
		b.RecordResult(later, true, domain.ErrorKindNone)
	}
	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected open after exhausting half-open budget without recovery, got %v", b.State())
	}
}

func TestBreakerNonRetryableRatioTrip(t *testing.T) {
	cfg := testCfg()
	cfg.BaseFailureThreshold = 100 // keep the consecutive-fail path from tripping first
	cfg.ErrorRateThreshold = 2.0   // keep the error-rate path from tripping first
	cfg.NonRetryableRatioThreshold = 0.3
	b := New(cfg, "s1", "m1")
	now := time.Now()

	b.RecordResult(now, true, domain.ErrorKindNone)
	b.RecordResult(now, true, domain.ErrorKindNone)
	b.RecordResult(now, false, domain.ErrorKindModelNotFound)

	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected trip on non-retryable ratio breach, got %v", b.State())
	}
}

func TestBreakerAdaptiveThresholdNarrowsOnTrip(t *testing.T) {
	cfg := testCfg()
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	snap := b.Snapshot()
	if snap.Threshold >= cfg.BaseFailureThreshold {
		t.Fatalf("expected threshold to narrow after trip, got %d", snap.Threshold)
	}
}

func TestBreakerAdaptiveThresholdClampsToMin(t *testing.T) {
	cfg := testCfg()
	cfg.BaseFailureThreshold = 3
	cfg.MinFailureThreshold = 2
	cfg.AdaptiveThresholdAdjustment = 5
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	if got := b.Snapshot().Threshold; got != cfg.MinFailureThreshold {
		t.Fatalf("expected threshold clamped to min %d, got %d", cfg.MinFailureThreshold, got)
	}
}

func TestBreakerForceClose(t *testing.T) {
	cfg := testCfg()
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	b.ForceClose()
	if b.State() != domain.BreakerClosed {
		t.Fatalf("expected closed after ForceClose, got %v", b.State())
	}
	if !b.CanExecute(now) {
		t.Fatal("expected CanExecute true after ForceClose")
	}
}

func TestBreakerSnapshotFields(t *testing.T) {
	b := New(testCfg(), "server-a", "model-x")
	snap := b.Snapshot()
	if snap.ServerID != "server-a" || snap.Model != "model-x" {
		t.Fatalf("unexpected snapshot identity: %+v", snap)
	}
	if snap.State != domain.BreakerClosed {
		t.Fatalf("expected closed in initial snapshot, got %v", snap.State)
	}
}

func TestBreakerCanAttemptIsPure(t *testing.T) {
	cfg := testCfg()
	b := New(cfg, "s1", "m1")
	now := time.Now()
	for i := 0; i < cfg.BaseFailureThreshold; i++ {
		b.RecordResult(now, false, domain.ErrorKindTimeout)
	}
	later := now.Add(cfg.OpenTimeout + time.Millisecond)

	// CanAttempt reports eligibility without reserving anything: the full
	// half-open budget must still be available to CanExecute afterwards.
	for i := 0; i < cfg.HalfOpenMaxRequests*3; i++ {
		if !b.CanAttempt(later) {
			t.Fatalf("read %d: expected CanAttempt true past the open timeout", i)
		}
	}
	if b.State() != domain.BreakerOpen {
		t.Fatalf("expected CanAttempt to leave the breaker open, got %s", b.State())
	}

	for i := 0; i < cfg.HalfOpenMaxRequests; i++ {
		if !b.CanExecute(later) {
			t.Fatalf("attempt %d: expected the full half-open budget after pure reads", i)
		}
	}
	if b.CanExecute(later) {
		t.Fatal("expected CanExecute false once the budget is spent")
	}
	if b.CanAttempt(later) {
		t.Fatal("expected CanAttempt false once the half-open budget is spent")
	}
}
