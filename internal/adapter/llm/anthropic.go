package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/config"
	"crm-copilot/internal/infra/tracer"
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements domain.StreamingLLMProvider for the Anthropic Messages API.
type AnthropicProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	version string
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		version: defaultAnthropicVersion,
	}
}

// Chat implements domain.LLMProvider.
func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := chatSpan(ctx, "llm.chat", p.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toAnthropicRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.name, p.baseURL+"/v1/messages", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromAnthropicResponse(antResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)

	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := chatSpan(ctx, "llm.chat_stream", p.name, req.Model)
	defer span.End()

	antReq := toAnthropicRequest(req)
	antReq.Stream = true

	body, err := json.Marshal(antReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.name, p.baseURL+"/v1/messages", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	// Each data payload carries its own "type", so the preceding "event:"
	// line is not needed.
	var inputTokens int
	return parseSSEStream(ctx, p.name, httpResp.Body, func(data []byte) (*domain.StreamDelta, error) {
		var evt anthropicStreamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, err
		}

		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				inputTokens = evt.Message.Usage.InputTokens
			}
			return nil, errSkip

		case "content_block_start":
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				return &domain.StreamDelta{
					ToolCalls: []domain.ToolCallDelta{{
						Index: evt.Index,
						ID:    evt.ContentBlock.ID,
						Name:  evt.ContentBlock.Name,
					}},
				}, nil
			}
			return nil, errSkip

		case "content_block_delta":
			var d anthropicBlockDelta
			if err := json.Unmarshal(evt.Delta, &d); err != nil {
				return nil, err
			}
			switch d.Type {
			case "text_delta":
				return &domain.StreamDelta{Content: d.Text}, nil
			case "input_json_delta":
				return &domain.StreamDelta{
					ToolCalls: []domain.ToolCallDelta{{Index: evt.Index, Arguments: d.PartialJSON}},
				}, nil
			}
			return nil, errSkip

		case "message_delta":
			if evt.Usage == nil {
				return nil, errSkip
			}
			return &domain.StreamDelta{Usage: &domain.Usage{
				PromptTokens:     inputTokens,
				CompletionTokens: evt.Usage.OutputTokens,
				TotalTokens:      inputTokens + evt.Usage.OutputTokens,
			}}, nil

		case "message_stop":
			return &domain.StreamDelta{Done: true}, nil

		case "error":
			if evt.Error == nil {
				return nil, classifyStreamMessage(p.name, "", "stream error")
			}
			return nil, classifyStreamMessage(p.name, evt.Error.Type, evt.Error.Message)
		}
		return nil, errSkip
	}), nil
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Delta        json.RawMessage    `json:"delta,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicBlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	antReq := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = defaultAnthropicMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Text())

		case domain.RoleTool:
			result := anthropicContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Text(),
			}
			// Consecutive tool results belong to one user turn.
			if n := len(antReq.Messages); n > 0 && antReq.Messages[n-1].Role == "user" && isToolResultTurn(antReq.Messages[n-1]) {
				antReq.Messages[n-1].Content = append(antReq.Messages[n-1].Content, result)
				continue
			}
			antReq.Messages = append(antReq.Messages, anthropicMessage{Role: "user", Content: []anthropicContent{result}})

		default:
			antMsg := anthropicMessage{Role: m.Role}
			if m.Content != "" {
				antMsg.Content = append(antMsg.Content, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, b := range m.Blocks {
				switch b.Type {
				case domain.BlockText:
					antMsg.Content = append(antMsg.Content, anthropicContent{Type: "text", Text: b.Text})
				case domain.BlockImageURL:
					antMsg.Content = append(antMsg.Content, anthropicContent{
						Type:   "image",
						Source: &anthropicSource{Type: "url", URL: b.URL},
					})
				}
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				antMsg.Content = append(antMsg.Content, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(antMsg.Content) == 0 {
				antMsg.Content = []anthropicContent{{Type: "text", Text: ""}}
			}
			antReq.Messages = append(antReq.Messages, antMsg)
		}
	}

	if len(req.ResponseFormat) > 0 {
		system = append(system, "Respond only with a JSON object that validates against this JSON schema:\n"+string(req.ResponseFormat))
	}
	antReq.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		antReq.Tools = append(antReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return antReq
}

func isToolResultTurn(m anthropicMessage) bool {
	for _, c := range m.Content {
		if c.Type != "tool_result" {
			return false
		}
	}
	return len(m.Content) > 0
}

func fromAnthropicResponse(resp anthropicResponse) *domain.ChatResponse {
	result := &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: resp.StopReason,
		CreatedAt:    time.Now(),
	}

	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Timestamp: result.CreatedAt,
	}

	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	msg.Content = strings.Join(text, "")

	result.Message = msg
	return result
}

var _ domain.StreamingLLMProvider = (*AnthropicProvider)(nil)
