package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is required. Format: sk-...
	APIKey string

	// BaseURL overrides the default API endpoint, for proxies and
	// OpenAI-compatible backends.
	BaseURL string

	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
}

// OpenAI adapts the OpenAI Chat Completions API to the Provider
// interface. Safe for concurrent use.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) SupportsTools() bool { return true }

func (p *OpenAI) Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
	}
}

// Complete issues a unary chat completion.
func (p *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model(req.Model)

	chatReq, err := p.buildRequest(req, model, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError("openai", model, errors.New("response has no choices")).
			WithKind(KindInvalidResponse)
	}

	choice := resp.Choices[0]
	out := &Response{
		Text:         choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// CompleteStream issues a streaming chat completion. Tool call arguments
// stream as JSON fragments keyed by index and are emitted once complete.
func (p *OpenAI) CompleteStream(ctx context.Context, req *Request, onChunk ChunkFunc) error {
	model := p.model(req.Model)

	chatReq, err := p.buildRequest(req, model, true)
	if err != nil {
		return err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return p.wrapError(err, model)
	}
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	inputTokens, outputTokens := 0, 0

	flushToolCalls := func() bool {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				if !onChunk(Chunk{ToolCall: tc}) {
					return false
				}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		return true
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushToolCalls() {
					return nil
				}
				onChunk(Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return nil
			}
			return p.wrapError(err, model)
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !onChunk(Chunk{Text: choice.Delta.Content}) {
				return nil
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flushToolCalls() {
				return nil
			}
		}
	}
}

func (p *OpenAI) buildRequest(req *Request, model string, streaming bool) (openai.ChatCompletionRequest, error) {
	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if streaming {
		chatReq.Stream = true
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}
	return chatReq, nil
}

// convertMessages maps conversation turns to OpenAI chat messages. The
// system prompt becomes the leading message; each tool result becomes a
// separate "tool" role message.
func (p *OpenAI) convertMessages(messages []Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}

		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}

		result = append(result, oaiMsg)

		for _, tr := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}
	}

	return result, nil
}

func (p *OpenAI) convertTools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params any
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// wrapError maps SDK errors into the transport error taxonomy.
func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := NewError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			e = e.WithMessage(fmt.Sprintf("openai: %s", apiErr.Message))
		}
		return e
	}

	return NewError("openai", model, err)
}

func (p *OpenAI) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
