package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/router"
)

// State tracks one request through the transport lifecycle.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateSuccess
	StateRetryableFailure
	StatePermanentFailure
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSuccess:
		return "success"
	case StateRetryableFailure:
		return "retryable_failure"
	case StatePermanentFailure:
		return "permanent_failure"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the final outcome of a transported request, successful or
// not. Latency is wall-clock from first attempt to final outcome,
// including backoff waits.
type Result struct {
	Response *providers.Response

	// Provider and Model name the candidate that served the request,
	// or the last candidate attempted when every candidate failed.
	Provider string
	Model    string
	Tier     string

	State        State
	Attempts     int
	Failovers    int
	StreamResets int
	Latency      time.Duration
}

// Transport walks a routing decision's candidate chain, giving each
// candidate one attempt plus MaxRetries retries before failing over to
// the next. Permanent failures skip straight to the next candidate;
// caller cancellation stops everything.
type Transport struct {
	registry map[string]providers.Provider
	policy   RetryPolicy
	logger   *observability.Logger
	metrics  *observability.Metrics

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(provs []providers.Provider, policy RetryPolicy, logger *observability.Logger, metrics *observability.Metrics) *Transport {
	if logger == nil {
		logger = observability.NopLogger()
	}
	registry := make(map[string]providers.Provider, len(provs))
	for _, p := range provs {
		registry[p.Name()] = p
	}
	return &Transport{
		registry: registry,
		policy:   policy.sanitized(),
		logger:   logger,
		metrics:  metrics,
		sleep:    backoff.Sleep,
	}
}

// attemptFunc runs one provider call; unary and streaming differ only
// here.
type attemptFunc func(ctx context.Context, prov providers.Provider, req *providers.Request) (*providers.Response, error)

// beforeNextAttempt runs before every attempt after the first, letting
// streaming insert reset handling; nil for unary requests.
type beforeNextAttempt func(ctx context.Context, provider string)

// Complete executes a unary request against the decision's candidates.
func (t *Transport) Complete(ctx context.Context, decision router.Decision, req *providers.Request) (*Result, error) {
	result, err := t.run(ctx, decision, req, func(ctx context.Context, prov providers.Provider, req *providers.Request) (*providers.Response, error) {
		return prov.Complete(ctx, req)
	}, nil)
	if result != nil {
		t.emit(ctx, decision, result)
	}
	return result, err
}

// Stream executes a streaming request. When an attempt fails after
// partial output has already reached onChunk, the consumer receives a
// single chunk whose Text is StreamResetMarker before the next attempt
// starts; everything streamed before the marker must be discarded.
func (t *Transport) Stream(ctx context.Context, decision router.Decision, req *providers.Request, onChunk providers.ChunkFunc) (*Result, error) {
	ctrl := &streamController{onChunk: onChunk}

	result, err := t.run(ctx, decision, req, func(ctx context.Context, prov providers.Provider, req *providers.Request) (*providers.Response, error) {
		if err := prov.CompleteStream(ctx, req, ctrl.forward); err != nil {
			return nil, err
		}
		if ctrl.stopped {
			return ctrl.response(), nil
		}
		if !ctrl.completed {
			return nil, providers.NewError(prov.Name(), req.Model,
				errors.New("stream ended without completion")).WithKind(providers.KindTransport)
		}
		return ctrl.response(), nil
	}, func(ctx context.Context, provider string) {
		info := ctrl.Reset()
		if !info.HadOutput {
			return
		}
		if t.metrics != nil {
			t.metrics.StreamResetCounter.WithLabelValues(provider).Inc()
		}
		t.logger.Warn(ctx, "stream reset, discarding partial output",
			"provider", provider,
			"discarded_bytes", len(info.PartialText))
		ctrl.emitResetMarker()
	})
	if result != nil {
		result.StreamResets = ctrl.resets
		t.emit(ctx, decision, result)
	}
	return result, err
}

func (t *Transport) run(ctx context.Context, decision router.Decision, req *providers.Request, attempt attemptFunc, beforeNext beforeNextAttempt) (*Result, error) {
	if len(decision.Candidates) == 0 {
		return nil, errors.New("transport: decision has no candidates")
	}

	start := time.Now()
	result := &Result{Tier: decision.Tier, State: StatePending}
	var lastErr error
	firstAttempt := true

	fail := func(state State, err error) (*Result, error) {
		result.State = state
		result.Latency = time.Since(start)
		return result, err
	}

	for ci, cand := range decision.Candidates {
		prov, ok := t.registry[cand.Provider]
		if !ok {
			lastErr = fmt.Errorf("transport: unknown provider %q", cand.Provider)
			t.logger.Error(ctx, "routing decision names unregistered provider",
				"provider", cand.Provider)
			continue
		}

		candReq := *req
		candReq.Model = cand.Model

		if ci > 0 {
			result.Failovers++
			if t.metrics != nil {
				t.metrics.FailoverCounter.WithLabelValues(decision.Tier).Inc()
			}
			t.logger.Warn(ctx, "failing over to next candidate",
				"provider", cand.Provider,
				"model", cand.Model,
				"prior_error", errString(lastErr))
		}

		for retry := 0; retry <= t.policy.MaxRetries; retry++ {
			if ctx.Err() != nil {
				return fail(StateCancelled, context.Cause(ctx))
			}

			if !firstAttempt && beforeNext != nil {
				beforeNext(ctx, cand.Provider)
			}
			firstAttempt = false

			result.State = StateInFlight
			result.Attempts++
			// Attribute the attempt now so a final failure still names
			// the candidate that was actually tried last.
			result.Provider = cand.Provider
			result.Model = cand.Model
			resp, err := t.attemptOnce(ctx, prov, &candReq, attempt)
			if err == nil {
				result.Response = resp
				result.State = StateSuccess
				result.Latency = time.Since(start)
				return result, nil
			}
			lastErr = err

			if perr, ok := providers.AsError(err); ok && perr.Kind == providers.KindCancelled {
				return fail(StateCancelled, err)
			}

			if !providers.IsRetryable(err) {
				t.logger.Warn(ctx, "permanent failure, skipping candidate",
					"provider", cand.Provider,
					"model", cand.Model,
					"error", err.Error())
				break
			}

			result.State = StateRetryableFailure
			if retry < t.policy.MaxRetries {
				if t.metrics != nil {
					t.metrics.RetryCounter.WithLabelValues(cand.Provider).Inc()
				}
				delay := t.policy.Delay(retry, err)
				t.logger.Debug(ctx, "retrying after transient failure",
					"provider", cand.Provider,
					"attempt", retry+1,
					"delay", delay.String(),
					"error", err.Error())
				if serr := t.sleep(ctx, delay); serr != nil {
					return fail(StateCancelled, serr)
				}
			}
		}
	}

	state := StateRetryableFailure
	if lastErr != nil && !providers.IsRetryable(lastErr) {
		state = StatePermanentFailure
	}
	return fail(state, fmt.Errorf("transport: all candidates exhausted: %w", lastErr))
}

// attemptOnce runs a single provider call under the per-attempt
// deadline. A deadline hit while the caller's context is still live is
// a transient failure, not a cancellation.
func (t *Transport) attemptOnce(ctx context.Context, prov providers.Provider, req *providers.Request, attempt attemptFunc) (*providers.Response, error) {
	actx := ctx
	cancel := func() {}
	if t.policy.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, t.policy.AttemptTimeout)
	}
	defer cancel()

	resp, err := attempt(actx, prov, req)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, providers.NewError(prov.Name(), req.Model,
			fmt.Errorf("attempt timed out after %s: %w", t.policy.AttemptTimeout, err)).
			WithKind(providers.KindServerError)
	}
	return resp, err
}

func (t *Transport) emit(ctx context.Context, decision router.Decision, result *Result) {
	ev := observability.CompletionEvent{
		RunID:        observability.GetRunID(ctx),
		Provider:     result.Provider,
		Model:        result.Model,
		Tier:         decision.Tier,
		Success:      result.State == StateSuccess,
		Attempts:     result.Attempts,
		Failovers:    result.Failovers,
		StreamResets: result.StreamResets,
		Latency:      result.Latency,
	}
	if result.Response != nil {
		ev.InputTokens = result.Response.InputTokens
		ev.OutputTokens = result.Response.OutputTokens
	}
	observability.EmitCompletion(ctx, t.logger, t.metrics, ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
