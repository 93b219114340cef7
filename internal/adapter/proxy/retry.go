package proxy

import (
	"context"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/ports"
	"github.com/relaymesh/relay/internal/util"
)

// RetryPolicy implements the in-request, same-server retry tier of
// spec.md §4.7 step 5 - grounded on the teacher's
// adapter/proxy/core/retry.go ExecuteWithRetry, narrowed from
// "retry across endpoints" to "retry in place on one server" since
// cross-server failover is the orchestrator's job, not the proxy's.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	RetryableCode map[int]bool
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	codes := make(map[int]bool, len(cfg.RetryableStatusCodes))
	for _, c := range cfg.RetryableStatusCodes {
		codes[c] = true
	}
	return RetryPolicy{
		MaxRetries:    cfg.MaxRetriesPerServer,
		BaseDelay:     cfg.RetryDelay,
		Multiplier:    cfg.BackoffMultiplier,
		MaxDelay:      cfg.MaxRetryDelay,
		RetryableCode: codes,
	}
}

func (p RetryPolicy) shouldRetry(result *ports.BackendResult, err error) bool {
	if err == nil {
		return false
	}
	if result == nil {
		return true // connection-level failure - no status code to gate on
	}
	if result.StatusCode == 0 {
		return true
	}
	return p.RetryableCode[result.StatusCode]
}

// Attempt is one dispatch call against a fixed server.
type Attempt func(ctx context.Context) (*ports.BackendResult, error)

// ExecuteWithRetry calls attempt up to MaxRetries+1 times against the
// same server, backing off exponentially between attempts, stopping
// early on success or on a non-retryable failure.
func ExecuteWithRetry(ctx context.Context, policy RetryPolicy, attempt Attempt) (*ports.BackendResult, error) {
	var result *ports.BackendResult
	var err error

	for i := 0; i <= policy.MaxRetries; i++ {
		result, err = attempt(ctx)
		if err == nil {
			return result, nil
		}
		if i == policy.MaxRetries || !policy.shouldRetry(result, err) {
			break
		}

		delay := util.ExponentialBackoff(i+1, policy.BaseDelay, policy.MaxDelay, policy.Multiplier)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
	return result, err
}
