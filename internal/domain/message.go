package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content block types.
const (
	BlockText     = "text"
	BlockImageURL = "image_url"
)

// ContentBlock is one element of a multi-part message body.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message represents a single message in a conversation.
// Either Content or Blocks carries the body; Text() gives the plain view.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
}

// Text returns the plain-text body of the message.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	if m.Content != "" {
		sb.WriteString(m.Content)
	}
	for _, b := range m.Blocks {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// HasToolCalls reports whether the model asked to invoke tools in this turn.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// CompletionOptions tunes a single gateway call.
type CompletionOptions struct {
	// Model is a logical alias ("fast", "smart") or a concrete provider model id.
	Model       string       `json:"model,omitempty" yaml:"model"`
	Temperature *float64     `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Tools       []ToolSchema `json:"tools,omitempty" yaml:"-"`
	// ResponseFormat is a JSON schema for structured output, if any.
	ResponseFormat json.RawMessage `json:"response_format,omitempty" yaml:"-"`
	// System is prepended as a system message by Generate.
	System string `json:"system,omitempty" yaml:"system"`
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Tools          []ToolSchema    `json:"tools,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

// ChatResponse is returned from an LLM provider.
type ChatResponse struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Message      Message   `json:"message"`
	Usage        Usage     `json:"usage"`
	FinishReason string    `json:"finish_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}
