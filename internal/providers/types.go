// Package providers defines the contract between the routing core and
// backend language-model providers, the structured error taxonomy used by
// the retry and failover logic, and the bundled provider adapters.
package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// Provider is the closed capability set a backend must implement.
//
// Implementations must be safe for concurrent use; multiple goroutines may
// call Complete or CompleteStream simultaneously for independent requests.
// Failures are reported as *Error so the transport can classify them.
type Provider interface {
	// Name returns the stable lowercase provider identifier used for
	// routing, health tracking, and metrics.
	Name() string

	// Complete executes a unary completion request.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// CompleteStream executes a streaming completion request, invoking
	// onChunk sequentially for each fragment. onChunk may carry mutable
	// state; it is never invoked concurrently for one stream. Returning
	// false from onChunk requests an early stop, which is not an error.
	CompleteStream(ctx context.Context, req *Request, onChunk ChunkFunc) error

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider supports tool use.
	SupportsTools() bool
}

// ChunkFunc receives streaming fragments. Return false to stop the stream
// early after the current chunk.
type ChunkFunc func(chunk Chunk) bool

// Request contains all parameters for a completion request.
type Request struct {
	// Model is the backend model identifier. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System sets the assistant's behavior. Handled separately from
	// messages by most provider APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []Message `json:"messages"`

	// Tools lists tool definitions the model may request to execute.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens caps the generated response length. Zero means the
	// provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Message is a single conversation turn as sent to a provider.
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Chunk is a single fragment of a streaming response.
type Chunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true for the final chunk of a successful stream.
	Done bool `json:"done,omitempty"`

	// InputTokens and OutputTokens are populated on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Response is the result of a unary completion.
type Response struct {
	Text         string            `json:"text"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int               `json:"input_tokens,omitempty"`
	OutputTokens int               `json:"output_tokens,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}
