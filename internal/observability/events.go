package observability

import (
	"context"
	"time"
)

// ContextKey is the type for context keys used in correlation.
type ContextKey string

const (
	// RunIDKey is the context key for run IDs (a single pipeline turn).
	RunIDKey ContextKey = "run_id"

	// SenderIDKey is the context key for the sender identity.
	SenderIDKey ContextKey = "sender_id"

	// ToolCallIDKey is the context key for tool call IDs.
	ToolCallIDKey ContextKey = "tool_call_id"
)

// AddRunID adds a run ID to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run ID from the context.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// AddSenderID adds the sender identity to the context.
func AddSenderID(ctx context.Context, senderID string) context.Context {
	return context.WithValue(ctx, SenderIDKey, senderID)
}

// GetSenderID retrieves the sender identity from the context.
func GetSenderID(ctx context.Context) string {
	if id, ok := ctx.Value(SenderIDKey).(string); ok {
		return id
	}
	return ""
}

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, id)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	if id, ok := ctx.Value(ToolCallIDKey).(string); ok {
		return id
	}
	return ""
}

// CompletionEvent is emitted once per completed provider call. The format
// is consumer-agnostic: it is logged structurally and counted in metrics,
// and callers may forward it to any tracing backend.
type CompletionEvent struct {
	RunID        string        `json:"run_id,omitempty"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Tier         string        `json:"tier,omitempty"`
	Success      bool          `json:"success"`
	Attempts     int           `json:"attempts"`
	Failovers    int           `json:"failovers"`
	StreamResets int           `json:"stream_resets,omitempty"`
	Latency      time.Duration `json:"latency"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
}

// EmitCompletion logs the event and updates metrics. A nil logger or
// metrics receiver is skipped.
func EmitCompletion(ctx context.Context, logger *Logger, metrics *Metrics, ev CompletionEvent) {
	if ev.RunID == "" {
		ev.RunID = GetRunID(ctx)
	}

	if logger != nil {
		status := "success"
		if !ev.Success {
			status = "error"
		}
		logger.Info(ctx, "provider call completed",
			"provider", ev.Provider,
			"model", ev.Model,
			"tier", ev.Tier,
			"status", status,
			"attempts", ev.Attempts,
			"failovers", ev.Failovers,
			"latency_ms", ev.Latency.Milliseconds(),
			"input_tokens", ev.InputTokens,
			"output_tokens", ev.OutputTokens,
		)
	}

	if metrics != nil {
		metrics.ObserveCompletion(ev)
	}
}
