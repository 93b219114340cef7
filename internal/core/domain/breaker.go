package domain

import "time"

// BreakerState is the 3-state circuit-breaker machine per spec.md §4.3.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerState is the externally observable snapshot of one
// (server, model) breaker - used for status reporting and persistence.
// The mutable machine itself lives in adapter/breaker, guarded by atomics;
// this type is the value copied out for callers.
type CircuitBreakerState struct {
	OpenedAt         time.Time
	HalfOpenSince    time.Time
	State            BreakerState
	ServerID         string
	Model            string
	ConsecutiveFails int
	ConsecutiveOK    int
	HalfOpenInFlight int
	Threshold        int
}

// ShouldTrip reports whether the given consecutive-failure count reaches
// the breaker's adaptive threshold. Threshold adapts per spec.md §4.3: it
// drops by one adjustment step on every trip and rises by one step on
// every recovery to closed, clamped to the configured [min, max].
func (c CircuitBreakerState) ShouldTrip(consecutiveFails int) bool {
	return consecutiveFails >= c.Threshold
}
