package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind categorizes why a provider request failed. The transport uses
// the kind to decide whether an attempt is worth retrying and whether an
// exhausted candidate warrants failover.
type ErrorKind string

const (
	// KindTransport indicates a connectivity-level failure (dial, reset,
	// DNS). Always retryable.
	KindTransport ErrorKind = "transport"

	// KindServerError indicates a server-side failure (HTTP 5xx). The
	// Retryable flag on the error distinguishes 501-style permanent
	// failures from transient ones.
	KindServerError ErrorKind = "server_error"

	// KindRateLimited indicates rate limiting (HTTP 429). Retryable,
	// optionally carrying a provider-supplied retry-after hint.
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuth indicates authentication failure (HTTP 401, 403). Permanent.
	KindAuth ErrorKind = "auth"

	// KindInvalidResponse indicates the provider returned a payload the
	// adapter could not interpret. Permanent.
	KindInvalidResponse ErrorKind = "invalid_response"

	// KindCancelled indicates the request context was cancelled. Terminal;
	// never retried and not reported to the user as a failure.
	KindCancelled ErrorKind = "cancelled"

	// KindContextLength indicates the request exceeded the model's context
	// window. Permanent; the caller must shrink its input.
	KindContextLength ErrorKind = "context_length"
)

// IsRetryable reports whether retrying an error of this kind may succeed.
// Server errors defer to the per-error Retryable flag; use Error.Retryable
// or the package-level IsRetryable for a complete answer.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindTransport, KindServerError, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a structured error from a provider. It captures the context
// needed for retry decisions, failover, and debugging.
type Error struct {
	// Kind categorizes the error for retry/failover logic.
	Kind ErrorKind

	// Provider is the provider name (e.g. "anthropic", "openai").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Retryable refines KindServerError: a 501 is a server error that
	// retrying cannot fix. For other kinds it mirrors Kind.IsRetryable.
	Retryable bool

	// RetryAfter is the provider-supplied backoff hint for rate limits.
	// Zero when absent.
	RetryAfter time.Duration

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a provider error, classifying the cause when it is not
// already a *Error.
func NewError(provider, model string, cause error) *Error {
	if cause != nil {
		var perr *Error
		if errors.As(cause, &perr) {
			return perr
		}
	}

	err := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindTransport,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = classifyError(cause)
	}
	err.Retryable = err.Kind.IsRetryable()
	return err
}

// WithKind overrides the classified kind.
func (e *Error) WithKind(kind ErrorKind) *Error {
	e.Kind = kind
	e.Retryable = kind.IsRetryable()
	return e
}

// WithStatus sets the HTTP status and reclassifies the error from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Kind, e.Retryable = classifyStatus(status)
	return e
}

// WithRetryAfter attaches a provider-supplied backoff hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// WithMessage sets the error message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// classifyError inspects a raw error and returns the appropriate kind.
func classifyError(err error) ErrorKind {
	if err == nil {
		return KindTransport
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Per-attempt timeouts are treated as retryable server errors.
		return KindServerError
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return KindServerError
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return KindRateLimited
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "forbidden") {
		return KindAuth
	}

	if strings.Contains(errStr, "context length") ||
		strings.Contains(errStr, "context_length") ||
		strings.Contains(errStr, "maximum context") ||
		strings.Contains(errStr, "prompt is too long") {
		return KindContextLength
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "overloaded") {
		return KindServerError
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "reset") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "dns") {
		return KindTransport
	}

	if strings.Contains(errStr, "unmarshal") ||
		strings.Contains(errStr, "decode") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "unexpected response") {
		return KindInvalidResponse
	}

	return KindTransport
}

// classifyStatus maps an HTTP status to an error kind and retryability.
func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, false
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusRequestEntityTooLarge:
		return KindContextLength, false
	case status == http.StatusNotImplemented:
		return KindServerError, false
	case status >= 500:
		return KindServerError, true
	case status >= 400:
		return KindInvalidResponse, false
	default:
		return KindTransport, true
	}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsRetryable reports whether the transport should retry the attempt.
func IsRetryable(err error) bool {
	if perr, ok := AsError(err); ok {
		if perr.Kind == KindServerError {
			return perr.Retryable
		}
		return perr.Kind.IsRetryable()
	}
	return classifyError(err).IsRetryable()
}

// RetryAfterHint returns the provider-supplied backoff hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	if perr, ok := AsError(err); ok && perr.RetryAfter > 0 {
		return perr.RetryAfter, true
	}
	return 0, false
}
