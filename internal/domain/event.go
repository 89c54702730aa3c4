package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventGroundingViolated EventType = "grounding.violated"
	EventPollStarted       EventType = "poll.started"
	EventPollCompleted     EventType = "poll.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ToolCallPayload is the payload of tool call events.
type ToolCallPayload struct {
	CallID    string    `json:"call_id"`
	Tool      string    `json:"tool"`
	Iteration int       `json:"iteration"`
	Risk      RiskLevel `json:"risk_level,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// RunPayload is the payload of run lifecycle events.
type RunPayload struct {
	Iterations int       `json:"iterations"`
	ModelCalls int       `json:"model_calls"`
	Usage      Usage     `json:"usage"`
	Error      ErrorInfo `json:"error,omitzero"`
}

// LLMCallPayload is the payload of model call events.
type LLMCallPayload struct {
	Model     string `json:"model"`
	Iteration int    `json:"iteration"`
	Streaming bool   `json:"streaming"`
	ToolCalls int    `json:"tool_calls,omitempty"`
}

// ViolationPayload reports a final answer that drifted from a verified response.
type ViolationPayload struct {
	Tool    string   `json:"tool"`
	Missing []string `json:"missing"`
}
