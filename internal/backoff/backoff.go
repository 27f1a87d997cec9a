// Package backoff provides exponential backoff with jitter for retry logic.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the initial backoff duration.
	Initial time.Duration
	// Max is the maximum backoff duration.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// DefaultPolicy returns a sensible default backoff policy.
// Initial: 100ms, Max: 30s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// SinkPolicy returns the policy used for activity sink retries.
// Initial: 500ms, Max: 60s, Factor: 2.5, Jitter: 20%.
func SinkPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     60 * time.Second,
		Factor:  2.5,
		Jitter:  0.2,
	}
}

// Compute calculates the backoff duration for a given attempt number.
// base = initial * factor^(attempt-1); jitter = base * jitter * random().
// Returns min(max, base + jitter). Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64())
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(float64(policy.Max), base+jitterAmount)

	return time.Duration(total)
}

// Sleep waits for the backoff duration of the given attempt, or until the
// context is cancelled. Returns the context error on cancellation.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	timer := time.NewTimer(Compute(policy, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
