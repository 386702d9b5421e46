// Package transport executes routed completion requests against provider
// backends with bounded retries, cross-candidate failover, and stream
// recovery. It owns the request lifecycle from first attempt to final
// outcome; classification of individual failures lives in providers.
package transport

import (
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/providers"
)

// RetryPolicy bounds attempts against a single candidate. A candidate
// gets one initial attempt plus up to MaxRetries retries before the
// transport fails over to the next candidate in the chain.
type RetryPolicy struct {
	Backoff    backoff.Policy
	MaxRetries int

	// AttemptTimeout caps each individual provider call. Zero disables
	// the per-attempt deadline.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy matches typical provider guidance: three retries
// with exponential jittered backoff and a generous per-attempt cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:        backoff.DefaultPolicy(),
		MaxRetries:     3,
		AttemptTimeout: 2 * time.Minute,
	}
}

func (p RetryPolicy) sanitized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// Delay returns how long to wait before retrying after a failure on the
// given attempt (0-based). A provider-supplied retry-after hint wins
// over the computed backoff when it asks for a longer wait.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	d := backoff.DelayForAttempt(p.Backoff, attempt)
	if hint, ok := providers.RetryAfterHint(err); ok && hint > d {
		d = hint
	}
	return d
}
