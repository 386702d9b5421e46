package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
}

// Anthropic adapts the Anthropic Messages API to the Provider interface.
// Safe for concurrent use; each stream is independent.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds an Anthropic provider. Retry and failover are the
// transport's responsibility; this adapter only executes and classifies.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) SupportsTools() bool { return true }

func (p *Anthropic) Models() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000},
	}
}

// Complete runs the stream to completion and accumulates the result.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	var (
		text      strings.Builder
		toolCalls []models.ToolCall
		resp      Response
	)

	err := p.CompleteStream(ctx, req, func(c Chunk) bool {
		text.WriteString(c.Text)
		if c.ToolCall != nil {
			toolCalls = append(toolCalls, *c.ToolCall)
		}
		if c.Done {
			resp.InputTokens = c.InputTokens
			resp.OutputTokens = c.OutputTokens
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	resp.Text = text.String()
	resp.ToolCalls = toolCalls
	return &resp, nil
}

// CompleteStream issues a streaming Messages request and forwards events
// as chunks. Tool input JSON arrives fragmented across delta events and
// is accumulated until the content block closes.
func (p *Anthropic) CompleteStream(ctx context.Context, req *Request, onChunk ChunkFunc) error {
	model := p.model(req.Model)

	params, err := p.buildParams(req, model)
	if err != nil {
		return err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEvents := 0
	inputTokens, outputTokens := 0, 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !onChunk(Chunk{Text: delta.Text}) {
						return nil
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				if !onChunk(Chunk{ToolCall: currentToolCall}) {
					return nil
				}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			onChunk(Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return nil

		case "error":
			return p.wrapError(errors.New("anthropic stream error"), model)
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return NewError("anthropic", model,
					fmt.Errorf("stream malformed: %d consecutive empty events", emptyEvents)).
					WithKind(KindInvalidResponse)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return p.wrapError(err, model)
	}

	// Iteration ended without message_stop; treat as a truncated stream
	// so the transport can retry.
	return NewError("anthropic", model, errors.New("stream ended without completion")).
		WithKind(KindTransport)
}

func (p *Anthropic) buildParams(req *Request, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

// convertMessages maps conversation turns to Anthropic content blocks.
// System turns are skipped; they travel in params.System.
func (p *Anthropic) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *Anthropic) convertTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapError maps SDK errors into the transport error taxonomy, using the
// HTTP status when the SDK surfaces one.
func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e := NewError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				e = e.WithMessage(payload.Error.Message)
			}
		}
		return e
	}

	return NewError("anthropic", model, err)
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
