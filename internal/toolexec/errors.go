// Package toolexec runs model-requested tool calls concurrently under a
// global concurrency bound, with per-call timeouts, per-resource
// serialization, argument validation, and bounded result sizes. Results
// come back in call order regardless of completion order.
package toolexec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies tool execution failures.
type ErrorKind string

const (
	// KindNotFound means the requested tool is not registered.
	KindNotFound ErrorKind = "not_found"

	// KindInvalidArgs means the call arguments failed schema validation.
	KindInvalidArgs ErrorKind = "invalid_args"

	// KindTimeout means the call exceeded its deadline. A timed-out
	// call's side effects are unknown; it is reported as a definite
	// failure and never re-run.
	KindTimeout ErrorKind = "timeout"

	// KindPanic means the tool panicked during execution.
	KindPanic ErrorKind = "panic"

	// KindCancelled means the surrounding request was cancelled.
	KindCancelled ErrorKind = "cancelled"

	// KindExecution is any other failure returned by the tool itself.
	KindExecution ErrorKind = "execution"
)

// ToolError carries a classified tool failure.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	CallID  string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

func newToolError(kind ErrorKind, tool, callID string, cause error) *ToolError {
	e := &ToolError{Kind: kind, Tool: tool, CallID: callID, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// AsToolError unwraps err to a *ToolError if one is in the chain.
func AsToolError(err error) (*ToolError, bool) {
	var terr *ToolError
	if errors.As(err, &terr) {
		return terr, true
	}
	return nil, false
}

// errorPayload is the structured JSON sent back to the model for a
// failed call, so the model sees machine-readable failure details
// rather than free text.
type errorPayload struct {
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind"`
	Tool  string    `json:"tool"`
}

// marshalError renders a tool error as the result content payload.
func marshalError(e *ToolError) string {
	payload := errorPayload{Error: e.Message, Kind: e.Kind, Tool: e.Tool}
	if payload.Error == "" {
		payload.Error = string(e.Kind)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"error":%q,"kind":%q}`, e.Message, e.Kind)
	}
	return string(b)
}
