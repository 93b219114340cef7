package health

import (
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/core/domain"
)

// retryableBackoffSchedule and nonRetryableBackoffSchedule implement the
// progressive active-recovery-test gating of spec.md §4.6: a half-open
// (server, model) pair isn't re-tested on every health cycle, it backs
// off according to the kind of failure its last test produced.
var retryableBackoffSchedule = []time.Duration{
	30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute,
	8 * time.Minute, 15 * time.Minute, 30 * time.Minute,
}

var nonRetryableBackoffSchedule = []time.Duration{
	5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, time.Hour,
}

const (
	baseRecoveryTestTimeout = 120 * time.Second
	maxRecoveryTestTimeout  = 10 * time.Minute
)

// recoveryState is the per-(serverID,model) bookkeeping for the active
// half-open recovery test loop.
type recoveryState struct {
	lastTestTime     time.Time
	testCount        int
	consecutiveFails int
	failureReason    string
	errorType        domain.ErrorKind
}

// recoveryTracker owns every (serverID, model) recoveryState, keyed the
// same way as the breaker map.
type recoveryTracker struct {
	mu     sync.Mutex
	states map[string]*recoveryState
}

func newRecoveryTracker() *recoveryTracker {
	return &recoveryTracker{states: make(map[string]*recoveryState)}
}

func recoveryKey(serverID, model string) string { return serverID + "|" + model }

func (t *recoveryTracker) get(serverID, model string) *recoveryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := recoveryKey(serverID, model)
	st, ok := t.states[k]
	if !ok {
		st = &recoveryState{}
		t.states[k] = st
	}
	return st
}

// due reports whether (serverID, model) is eligible for another active
// test at `now`, per the backoff schedule selected by the last observed
// error kind. A breaker that has never been tested is always due.
func (t *recoveryTracker) due(serverID, model string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[recoveryKey(serverID, model)]
	if !ok || st.testCount == 0 {
		return true
	}

	schedule := retryableBackoffSchedule
	if st.errorType.IsNonRetryable() {
		schedule = nonRetryableBackoffSchedule
	}
	idx := st.testCount - 1
	if idx >= len(schedule) {
		return false // schedule exhausted - no further active tests until reset
	}
	return now.Sub(st.lastTestTime) >= schedule[idx]
}

// testTimeout doubles per attempt starting from baseRecoveryTestTimeout,
// capped at maxRecoveryTestTimeout.
func (t *recoveryTracker) testTimeout(serverID, model string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[recoveryKey(serverID, model)]
	if !ok {
		return baseRecoveryTestTimeout
	}
	d := baseRecoveryTestTimeout
	for i := 0; i < st.testCount && d < maxRecoveryTestTimeout; i++ {
		d *= 2
	}
	if d > maxRecoveryTestTimeout {
		d = maxRecoveryTestTimeout
	}
	return d
}

func (t *recoveryTracker) recordResult(serverID, model string, now time.Time, success bool, kind domain.ErrorKind, reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[recoveryKey(serverID, model)]
	if st == nil {
		st = &recoveryState{}
		t.states[recoveryKey(serverID, model)] = st
	}
	st.lastTestTime = now
	st.testCount++
	if success {
		st.consecutiveFails = 0
		st.errorType = domain.ErrorKindNone
		st.failureReason = ""
		return st.testCount
	}
	st.consecutiveFails++
	st.errorType = kind
	st.failureReason = reason
	return st.testCount
}

// reset clears a pair's recovery state once its breaker has closed, so a
// future trip starts the backoff schedule fresh.
func (t *recoveryTracker) reset(serverID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, recoveryKey(serverID, model))
}

// Snapshot returns one record per (server, model) pair that has at least
// one recorded active-recovery-test failure, for persistence to
// recovery-failures.json.
func (t *recoveryTracker) Snapshot() []domain.RecoveryFailureRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.RecoveryFailureRecord, 0, len(t.states))
	for key, st := range t.states {
		if st.consecutiveFails == 0 {
			continue
		}
		serverID, model := splitRecoveryKey(key)
		out = append(out, domain.RecoveryFailureRecord{
			Timestamp: st.lastTestTime,
			ServerID:  serverID,
			Model:     model,
			Reason:    st.errorType,
			Attempt:   st.testCount,
		})
	}
	return out
}

func splitRecoveryKey(key string) (serverID, model string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
