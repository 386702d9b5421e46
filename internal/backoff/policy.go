// Package backoff provides exponential backoff with symmetric jitter for
// the transport retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the computed delay before jitter is applied.
	Max time.Duration
	// Multiplier is the exponential factor applied per attempt.
	Multiplier float64
	// Jitter is the fraction (0.0 to 1.0) by which the delay is perturbed
	// uniformly in [-Jitter, +Jitter].
	Jitter float64
}

// DefaultPolicy returns a sensible default backoff policy.
// Initial: 100ms, Max: 30s, Multiplier: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

func (p Policy) sanitized() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// DelayForAttempt calculates the delay before retry attempt n. Attempt
// numbers start at 0 (the delay after the first failure).
func DelayForAttempt(policy Policy, attempt int) time.Duration {
	return DelayForAttemptWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayForAttemptWithRand calculates the delay using a provided random
// value in [0.0, 1.0), for deterministic tests.
//
// The formula is min(initial * multiplier^attempt, max), perturbed by a
// uniform factor in [1-jitter, 1+jitter]. The result is never negative.
func DelayForAttemptWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	p := policy.sanitized()
	exp := math.Max(float64(attempt), 0)

	base := math.Min(float64(p.Initial)*math.Pow(p.Multiplier, exp), float64(p.Max))

	// Map randomValue into [-jitter, +jitter].
	perturb := 1 + p.Jitter*(2*randomValue-1)
	total := base * perturb
	if total < 0 {
		total = 0
	}

	return time.Duration(math.Round(total))
}
