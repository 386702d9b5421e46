package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableByKind(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want bool
	}{
		{"transport", &Error{Kind: KindTransport}, true},
		{"server retryable", &Error{Kind: KindServerError, Retryable: true}, true},
		{"server permanent", &Error{Kind: KindServerError, Retryable: false}, false},
		{"rate limited", &Error{Kind: KindRateLimited}, true},
		{"auth", &Error{Kind: KindAuth}, false},
		{"invalid response", &Error{Kind: KindInvalidResponse}, false},
		{"cancelled", &Error{Kind: KindCancelled}, false},
		{"context length", &Error{Kind: KindContextLength}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.err.Kind, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{401, KindAuth, false},
		{403, KindAuth, false},
		{429, KindRateLimited, true},
		{500, KindServerError, true},
		{501, KindServerError, false},
		{502, KindServerError, true},
		{503, KindServerError, true},
		{400, KindInvalidResponse, false},
		{413, KindContextLength, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewError("test", "model", errors.New("boom")).WithStatus(tt.status)
			if err.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", err.Kind, tt.kind)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifyRawErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindServerError},
		{"connection refused", errors.New("dial tcp: connection refused"), KindTransport},
		{"rate limit text", errors.New("429 too many requests"), KindRateLimited},
		{"auth text", errors.New("invalid api key provided"), KindAuth},
		{"context length", errors.New("prompt is too long: maximum context exceeded"), KindContextLength},
		{"overloaded", errors.New("upstream overloaded"), KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	base := NewError("anthropic", "m", errors.New("too many requests")).
		WithStatus(429).
		WithRetryAfter(2 * time.Second)

	hint, ok := RetryAfterHint(base)
	if !ok {
		t.Fatal("expected a retry-after hint")
	}
	if hint != 2*time.Second {
		t.Errorf("hint = %v, want 2s", hint)
	}

	if _, ok := RetryAfterHint(errors.New("plain")); ok {
		t.Error("plain error should carry no hint")
	}
}

func TestNewErrorPreservesExisting(t *testing.T) {
	orig := NewError("openai", "gpt-4o", errors.New("boom")).WithStatus(503)
	wrapped := fmt.Errorf("attempt 2: %w", orig)

	got := NewError("openai", "gpt-4o", wrapped)
	if got != orig {
		t.Error("expected the existing *Error to be preserved, not reclassified")
	}
}
