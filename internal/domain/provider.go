package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "anthropic").
	Name() string
}

// ToolCallDelta is a fragment of a tool call inside a streaming response.
// Fragments with the same Index belong to the same call; the first carries
// ID and Name, later ones append to Arguments.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
type StreamDelta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	// Err is set on the last delta when the stream broke mid-flight.
	Err error `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// TokenCounter estimates prompt size for pre-flight context checks.
type TokenCounter interface {
	CountMessages(model string, msgs []Message, tools []ToolSchema) (int, error)
}

// CompletionStream is an in-flight streaming completion. Deltas must be
// drained or the call's context cancelled; Response and Err block until the
// stream ends.
type CompletionStream interface {
	Deltas() <-chan StreamDelta
	Response() *ChatResponse
	Err() error
}

// ModelGateway is the single entry point for model calls.
type ModelGateway interface {
	Complete(ctx context.Context, msgs []Message, opts CompletionOptions) (*ChatResponse, error)
	CompleteStreaming(ctx context.Context, msgs []Message, opts CompletionOptions) (CompletionStream, error)
}
