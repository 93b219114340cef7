package health

import (
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/core/domain"
)

func TestRecoveryTrackerDueWhenNeverTested(t *testing.T) {
	tr := newRecoveryTracker()
	if !tr.due("s1", "m1", time.Now()) {
		t.Fatal("expected a never-tested pair to be due")
	}
}

func TestRecoveryTrackerRetryableBackoffSchedule(t *testing.T) {
	tr := newRecoveryTracker()
	now := time.Now()
	tr.recordResult("s1", "m1", now, false, domain.ErrorKindTimeout, "timeout")

	if tr.due("s1", "m1", now.Add(time.Second)) {
		t.Fatal("expected not due before the first backoff interval elapses")
	}
	if !tr.due("s1", "m1", now.Add(retryableBackoffSchedule[0]+time.Millisecond)) {
		t.Fatal("expected due once the first backoff interval elapses")
	}
}

func TestRecoveryTrackerNonRetryableBackoffSchedule(t *testing.T) {
	tr := newRecoveryTracker()
	now := time.Now()
	tr.recordResult("s1", "m1", now, false, domain.ErrorKindModelNotFound, "not found")

	if tr.due("s1", "m1", now.Add(time.Minute)) {
		t.Fatal("expected not due before the non-retryable backoff interval elapses")
	}
	if !tr.due("s1", "m1", now.Add(nonRetryableBackoffSchedule[0]+time.Millisecond)) {
		t.Fatal("expected due once the non-retryable backoff interval elapses")
	}
}

func TestRecoveryTrackerScheduleExhausted(t *testing.T) {
	tr := newRecoveryTracker()
	now := time.Now()
	for i := 0; i < len(retryableBackoffSchedule)+1; i++ {
		tr.recordResult("s1", "m1", now, false, domain.ErrorKindTimeout, "timeout")
	}
	if tr.due("s1", "m1", now.Add(24*time.Hour)) {
		t.Fatal("expected schedule-exhausted pair to never become due again")
	}
}

func TestRecoveryTrackerSuccessResetsErrorType(t *testing.T) {
	tr := newRecoveryTracker()
	now := time.Now()
	tr.recordResult("s1", "m1", now, false, domain.ErrorKindTimeout, "timeout")
	tr.recordResult("s1", "m1", now, true, domain.ErrorKindNone, "")

	st := tr.get("s1", "m1")
	if st.consecutiveFails != 0 {
		t.Errorf("expected consecutive fails reset to 0, got %d", st.consecutiveFails)
	}
	if st.errorType != domain.ErrorKindNone {
		t.Errorf("expected error type reset, got %v", st.errorType)
	}
}

func TestRecoveryTrackerTestTimeoutDoubles(t *testing.T) {
	tr := newRecoveryTracker()
	now := time.Now()
	if got := tr.testTimeout("s1", "m1"); got != baseRecoveryTestTimeout {
		t.Fatalf("expected base timeout for untested pair, got %v", got)
	}

	tr.recordResult("s1", "m1", now, false, domain.ErrorKindTimeout, "x")
	if got := tr.testTimeout("s1", "m1"); got != baseRecoveryTestTimeout*2 {
		t.Fatalf("expected doubled timeout after one test, got %v", got)
	}
}

func TestRecoveryTrackerTestTimeoutCapped(t *testing.T) {
	tr := newRecoveryTracker()
	now := time.Now()
	for i := 0; i < 10; i++ {
		tr.recordResult("s1", "m1", now, false, domain.ErrorKindTimeout, "x")
	}
	if got := tr.testTimeout("s1", "m1"); got != maxRecoveryTestTimeout {
		t.Fatalf("expected timeout capped at %v, got %v", maxRecoveryTestTimeout, got)
	}
}

func TestRecoveryTrackerReset(t *testing.T) {
	tr := newRecoveryTracker()
	now := time.Now()
	tr.recordResult("s1", "m1", now, false, domain.ErrorKindTimeout, "x")
	tr.reset("s1", "m1")
	if !tr.due("s1", "m1", now) {
		t.Fatal("expected reset pair to be immediately due again")
	}
}

func TestClassifyProbeErrorFallsBackToTimeout(t *testing.T) {
	err := fakeErr("completely unrecognized failure")
	if got := classifyProbeError(err); got != domain.ErrorKindTimeout {
		t.Errorf("expected fallback to timeout, got %v", got)
	}
}

func TestClassifyProbeErrorRecognizesKnownPattern(t *testing.T) {
	err := fakeErr("connection refused")
	if got := classifyProbeError(err); got != domain.ErrorKindConnectionRefused {
		t.Errorf("expected connection_refused, got %v", got)
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
