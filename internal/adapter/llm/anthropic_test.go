package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/config"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropicProvider(config.ProviderConfig{
		Name:    "anthropic",
		Type:    "anthropic",
		BaseURL: server.URL,
		APIKey:  "ant-key",
		Model:   "claude-sonnet-4-5",
	}, newTestLogger())
}

func TestAnthropicProviderChat(t *testing.T) {
	var got anthropicRequest
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ant-key", r.Header.Get("x-api-key"))
		assert.Equal(t, defaultAnthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		io.WriteString(w, `{
			"id": "msg_1",
			"model": "claude-sonnet-4-5",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Scheduling now."},
				{"type": "tool_use", "id": "toolu_1", "name": "schedule_meeting", "input": {"title": "Sync"}}
			],
			"usage": {"input_tokens": 20, "output_tokens": 6}
		}`)
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are a CRM assistant."},
			{Role: domain.RoleUser, Content: "book a sync"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "You are a CRM assistant.", got.System)
	assert.Equal(t, defaultAnthropicMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)

	assert.Equal(t, "Scheduling now.", resp.Message.Content)
	assert.Equal(t, 26, resp.Usage.TotalTokens)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"title":"Sync"}`, string(resp.Message.ToolCalls[0].Arguments))
}

func TestAnthropicProviderChatOverloaded(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	})
	_, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, domain.IsRetryableError(err))
}

func TestAnthropicProviderChatStream(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":15,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"On it"}}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"send_email"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"to\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a@x.com\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":11}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "go"}}})
	require.NoError(t, err)

	acc := newStreamAccumulator()
	var last domain.StreamDelta
	for d := range ch {
		require.NoError(t, d.Err)
		acc.add(d)
		last = d
	}
	assert.True(t, last.Done)

	resp := acc.response("claude-sonnet-4-5")
	assert.Equal(t, "On it", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"to":"a@x.com"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, domain.Usage{PromptTokens: 15, CompletionTokens: 11, TotalTokens: 26}, resp.Usage)
}

func TestAnthropicProviderChatStreamErrorEvent(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "go"}}})
	require.NoError(t, err)

	deltas := collect(ch)
	require.Len(t, deltas, 1)
	assert.True(t, deltas[0].Done)
	assert.True(t, domain.IsRetryableError(deltas[0].Err))
}

func TestToAnthropicRequest(t *testing.T) {
	req := toAnthropicRequest(domain.ChatRequest{
		Model: "claude",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "do both"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "t1", Name: "a", Arguments: json.RawMessage(`{"x":1}`)},
				{ID: "t2", Name: "b"},
			}},
			{Role: domain.RoleTool, ToolCallID: "t1", Content: "done a"},
			{Role: domain.RoleTool, ToolCallID: "t2", Content: "done b"},
			{Role: domain.RoleUser, Blocks: []domain.ContentBlock{{Type: domain.BlockImageURL, URL: "https://img.example/y.png"}}},
		},
		ResponseFormat: json.RawMessage(`{"type":"object"}`),
	})

	assert.Contains(t, req.System, "sys")
	assert.Contains(t, req.System, `{"type":"object"}`)

	require.Len(t, req.Messages, 4)
	assistant := req.Messages[1]
	require.Len(t, assistant.Content, 2)
	assert.JSONEq(t, `{}`, string(assistant.Content[1].Input))

	results := req.Messages[2]
	assert.Equal(t, "user", results.Role)
	require.Len(t, results.Content, 2, "consecutive tool results share one user turn")
	assert.Equal(t, "t1", results.Content[0].ToolUseID)
	assert.Equal(t, "t2", results.Content[1].ToolUseID)

	image := req.Messages[3].Content[0]
	assert.Equal(t, "image", image.Type)
	require.NotNil(t, image.Source)
	assert.Equal(t, "url", image.Source.Type)
}
