// Package models defines the wire types shared between channel adapters,
// the message bus, and the routing pipeline.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies the messaging platform a message arrived from or
// is destined for. The pipeline treats channels opaquely; adapters own the
// platform specifics.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelAPI      ChannelType = "api"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
type Message struct {
	ID          string         `json:"id"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id"` // Platform-specific message ID
	SenderID    string         `json:"sender_id"`  // Stable sender identity, used for cost attribution
	Direction   Direction      `json:"direction"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(channel ChannelType, direction Direction, role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Direction: direction,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. The set of results
// produced for a model turn corresponds 1:1, in order, to the turn's calls.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
