// Package breaker implements the per-(server,model) adaptive circuit
// breaker: closed/open/half-open state machine, smoothed error-rate
// tracking and server-level model escalation.
package breaker

import (
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
)

// Breaker is one (serverID, model) circuit. All fields are guarded by mu;
// the struct is small enough that lock contention under the orchestrator's
// per-request dispatch is not a concern the teacher's code worried about
// either, for the equivalent endpoint-level breaker.
type Breaker struct {
	cfg      config.CircuitBreakerConfig
	serverID string
	model    string

	mu               sync.Mutex
	state            domain.BreakerState
	openedAt         time.Time
	halfOpenSince    time.Time
	consecutiveFails int
	consecutiveOK    int
	halfOpenAttempts int
	threshold        int

	windowStart    time.Time
	windowRequests int
	windowFailures int
	errorRate      float64

	totalRequests        int64
	nonRetryableRequests int64
}

func New(cfg config.CircuitBreakerConfig, serverID, model string) *Breaker {
	now := time.Now()
	return &Breaker{
		cfg:         cfg,
		serverID:    serverID,
		model:       model,
		state:       domain.BreakerClosed,
		threshold:   cfg.BaseFailureThreshold,
		windowStart: now,
	}
}

// CanExecute gates dispatch: true in closed, conditionally true in
// half-open (and increments the attempt counter), false in open until the
// open timeout elapses.
func (b *Breaker) CanExecute(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		if now.Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.state = domain.BreakerHalfOpen
		b.halfOpenSince = now
		b.halfOpenAttempts = 0
		b.consecutiveOK = 0
		fallthrough
	case domain.BreakerHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxRequests {
			return false
		}
		b.halfOpenAttempts++
		return true
	default:
		return false
	}
}

// CanAttempt reports whether a dispatch attempt would currently be
// admitted, without reserving a half-open slot. Candidate filtering uses
// this pure read; the slot itself is taken by CanExecute exactly once,
// immediately before the chosen candidate is dispatched, so each reserved
// slot is matched by one RecordResult.
func (b *Breaker) CanAttempt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		return now.Sub(b.openedAt) >= b.cfg.OpenTimeout
	case domain.BreakerHalfOpen:
		return b.halfOpenAttempts < b.cfg.HalfOpenMaxRequests
	default:
		return false
	}
}

// RecordResult feeds one outcome into the breaker. kind is meaningful only
// when success is false.
func (b *Breaker) RecordResult(now time.Time, success bool, kind domain.ErrorKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.windowStart) >= b.cfg.ErrorRateWindow {
		b.windowStart = now
		b.windowRequests = 0
		b.windowFailures = 0
	}
	b.windowRequests++
	b.totalRequests++
	if !success {
		b.windowFailures++
	}
	instantRate := float64(b.windowFailures) / float64(b.windowRequests)
	b.errorRate = b.cfg.ErrorRateSmoothing*instantRate + (1-b.cfg.ErrorRateSmoothing)*b.errorRate

	if success {
		b.recordSuccessLocked(now)
		return
	}
	b.recordFailureLocked(now, kind)
}

func (b *Breaker) recordSuccessLocked(now time.Time) {
	b.consecutiveFails = 0
	b.consecutiveOK++

	if b.state != domain.BreakerHalfOpen {
		return
	}
	switch {
	case b.consecutiveOK >= b.cfg.RecoverySuccessThreshold:
		b.closeLocked()
		b.adjustThresholdLocked(true)
	case b.halfOpenAttempts >= b.cfg.HalfOpenMaxRequests:
		// Exhausted the half-open attempt budget without reaching the
		// recovery threshold - back to open rather than stall forever.
		b.openLocked(now)
	}
}

func (b *Breaker) recordFailureLocked(now time.Time, kind domain.ErrorKind) {
	b.consecutiveOK = 0
	b.consecutiveFails++
	if kind.IsNonRetryable() {
		b.nonRetryableRequests++
	}

	switch b.state {
	case domain.BreakerHalfOpen:
		b.openLocked(now)
	case domain.BreakerClosed:
		var nonRetryableRatio float64
		if b.totalRequests > 0 {
			nonRetryableRatio = float64(b.nonRetryableRequests) / float64(b.totalRequests)
		}
		trip := b.consecutiveFails >= b.threshold ||
			b.errorRate >= b.cfg.ErrorRateThreshold ||
			(kind.IsNonRetryable() && nonRetryableRatio > b.cfg.NonRetryableRatioThreshold)
		if trip {
			b.openLocked(now)
			b.adjustThresholdLocked(false)
		}
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = domain.BreakerOpen
	b.openedAt = now
	b.consecutiveFails = 0
	b.consecutiveOK = 0
	b.halfOpenAttempts = 0
}

func (b *Breaker) closeLocked() {
	b.state = domain.BreakerClosed
	b.consecutiveFails = 0
	b.consecutiveOK = 0
	b.halfOpenAttempts = 0
	b.openedAt = time.Time{}
}

// adjustThresholdLocked implements the adaptive threshold: a trip narrows
// it (the breaker gets more trigger-happy after repeat failures), a clean
// recovery widens it back, both clamped to [min,max].
func (b *Breaker) adjustThresholdLocked(widen bool) {
	if !b.cfg.AdaptiveThresholds {
		return
	}
	if widen {
		b.threshold += b.cfg.AdaptiveThresholdAdjustment
		if b.threshold > b.cfg.MaxFailureThreshold {
			b.threshold = b.cfg.MaxFailureThreshold
		}
		return
	}
	b.threshold -= b.cfg.AdaptiveThresholdAdjustment
	if b.threshold < b.cfg.MinFailureThreshold {
		b.threshold = b.cfg.MinFailureThreshold
	}
}

// ForceClose resets the breaker unconditionally, per spec's forceClose().
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	b.errorRate = 0
	b.windowRequests = 0
	b.windowFailures = 0
}

func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() domain.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.CircuitBreakerState{
		OpenedAt:         b.openedAt,
		HalfOpenSince:    b.halfOpenSince,
		State:            b.state,
		ServerID:         b.serverID,
		Model:            b.model,
		ConsecutiveFails: b.consecutiveFails,
		ConsecutiveOK:    b.consecutiveOK,
		HalfOpenInFlight: b.halfOpenAttempts,
		Threshold:        b.threshold,
	}
}
