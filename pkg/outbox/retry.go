package outbox

import (
	"math/rand"
	"time"
)

// RetryPolicy defines the per-event backoff schedule: attempt n is
// delayed by min(base * 2^(n-1), cap), optionally with +/-10% jitter.
type RetryPolicy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Delay returns the backoff before retry attempt n (n >= 1).
func (p *RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	delay := p.BaseBackoff
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			delay = p.MaxBackoff
			break
		}
	}
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}

	if p.Jitter && delay > 0 {
		// +/-10%
		j := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
		delay += j
	}

	return delay
}

// errorBackoff computes the poll-error backoff for the polling
// service: min(interval * 2^errorCount, cap). Distinct from the
// per-event retry backoff.
func errorBackoff(interval time.Duration, errorCount int, cap time.Duration) time.Duration {
	delay := interval
	for i := 0; i < errorCount; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
