package util

import (
	"math"
	"time"
)

// ExponentialBackoff computes baseDelay * multiplier^(attempt-1), capped at
// maxDelay. attempt <= 0 returns 0 - used by both the retry/failover path
// and the health-recovery probe schedule.
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := float64(baseDelay) * math.Pow(multiplier, float64(attempt-1))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	return time.Duration(backoff)
}
