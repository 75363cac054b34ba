package scheduler

import (
	"math/rand"
	"time"
)

const (
	// BaseDelay is the wait before the first retry.
	BaseDelay = 60 * time.Second
	// MaxDelay caps the exponential growth.
	MaxDelay = 600 * time.Second
	// MaxRetries bounds attempts per entry: one initial try plus this many
	// retries, then the entry is exhausted.
	MaxRetries = 3
	// JitterFraction spreads retries so a provider outage does not come back
	// as a synchronized thundering herd.
	JitterFraction = 0.25
)

// RetryDelay returns the backoff before retrying an entry whose attempt with
// the given ordinal just failed transiently: min(60s * 2^retry, 600s) with
// uniform jitter in +/- 25%.
func RetryDelay(retry int) time.Duration {
	d := BaseDelay << uint(retry)
	if d > MaxDelay || d <= 0 {
		d = MaxDelay
	}
	jitter := 1 + JitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
