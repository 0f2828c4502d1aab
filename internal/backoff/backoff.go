package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Multiplier applied between consecutive attempts.
const Multiplier = 1.5

// Policy is a capped exponential delay schedule. Attempt n waits
// initial * 1.5^(n-1), truncated to whole milliseconds, never above Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// NewPolicy builds a Policy from millisecond settings, guarding against a
// cap below the initial delay.
func NewPolicy(initialMs, maxMs int) Policy {
	if initialMs <= 0 {
		initialMs = 5000
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	return Policy{
		Initial: time.Duration(initialMs) * time.Millisecond,
		Max:     time.Duration(maxMs) * time.Millisecond,
	}
}

// Delay returns the wait before the given attempt, 1-based. The schedule is
// deterministic so reconnect behavior is predictable and testable.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(p.Initial.Milliseconds())
	maxMs := float64(p.Max.Milliseconds())
	for i := 1; i < attempt; i++ {
		ms *= Multiplier
		if ms >= maxMs {
			return p.Max
		}
	}
	d := time.Duration(int64(ms)) * time.Millisecond
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exponential returns the policy as a cenkalti backoff for retry loops.
// Randomization is disabled so waits follow Delay exactly.
func (p Policy) Exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // bounded by maxTries or ctx, not wall time
	return b
}

// Retry runs op under the policy until it succeeds, maxTries retries are
// spent, or ctx is done.
func Retry(ctx context.Context, p Policy, maxTries uint64, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(p.Exponential(), maxTries), ctx)
	return backoff.Retry(op, b)
}
