package transport

import (
	"strings"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// StreamResetMarker is sent as a chunk's Text when a stream is
// abandoned after partial output and restarted on another attempt. The
// consumer must discard everything received before it. The value is
// deliberately invalid UTF-8 so it can never collide with model output.
const StreamResetMarker = "\xff\xfe"

// StreamResetInfo describes what a reset discarded.
type StreamResetInfo struct {
	PartialText string
	HadOutput   bool
}

// streamController sits between a provider stream and the consumer's
// chunk callback. It buffers what was forwarded so a failed attempt can
// be measured and visibly reset.
type streamController struct {
	onChunk providers.ChunkFunc

	buf       strings.Builder
	toolCalls []models.ToolCall
	hadOutput bool

	completed    bool
	stopped      bool
	resets       int
	inputTokens  int
	outputTokens int
}

// forward relays one chunk to the consumer, recording it for reset
// accounting. Honors the consumer's early-stop request.
func (c *streamController) forward(chunk providers.Chunk) bool {
	if chunk.Text != "" {
		c.buf.WriteString(chunk.Text)
		c.hadOutput = true
	}
	if chunk.ToolCall != nil {
		c.toolCalls = append(c.toolCalls, *chunk.ToolCall)
		c.hadOutput = true
	}
	if chunk.Done {
		c.completed = true
		c.inputTokens = chunk.InputTokens
		c.outputTokens = chunk.OutputTokens
	}

	if !c.onChunk(chunk) {
		c.stopped = true
		return false
	}
	return true
}

// Reset clears the forwarded state ahead of a new attempt and reports
// what the previous attempt had already delivered. A reset with no
// prior output is invisible to the consumer.
func (c *streamController) Reset() StreamResetInfo {
	info := StreamResetInfo{
		PartialText: c.buf.String(),
		HadOutput:   c.hadOutput,
	}
	c.buf.Reset()
	c.toolCalls = nil
	c.hadOutput = false
	c.completed = false
	return info
}

// emitResetMarker tells the consumer to discard prior output. Exactly
// one marker per visible reset.
func (c *streamController) emitResetMarker() {
	c.resets++
	if !c.onChunk(providers.Chunk{Text: StreamResetMarker}) {
		c.stopped = true
	}
}

// response assembles the accumulated stream into a unary-shaped result.
func (c *streamController) response() *providers.Response {
	return &providers.Response{
		Text:         c.buf.String(),
		ToolCalls:    c.toolCalls,
		InputTokens:  c.inputTokens,
		OutputTokens: c.outputTokens,
	}
}
