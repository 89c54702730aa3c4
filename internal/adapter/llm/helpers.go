package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// maxErrorBody is how much of a failed response is kept for classification.
const maxErrorBody = 16 * 1024

// doJSONRequest performs a JSON POST request and returns the response body.
// Non-2xx responses and transport failures come back as *domain.ProviderError.
func doJSONRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpResp, err := send(ctx, client, provider, url, body, headers, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, classifyTransportError(provider, fmt.Errorf("read response: %w", err))
	}
	return respBody, nil
}

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response; the caller must close Body.
func doStreamRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) (*http.Response, error) {
	return send(ctx, client, provider, url, body, headers, true)
}

func send(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(provider, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, classifyHTTPError(provider, httpResp.StatusCode, httpResp.Header, respBody)
	}
	return httpResp, nil
}

// logChatCompleted logs the standard debug message after a successful LLM chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tool_calls", len(result.Message.ToolCalls),
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// chatSpan starts the span shared by every provider call.
func chatSpan(ctx context.Context, name, provider, model string) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, name,
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", provider),
			tracer.StringAttr("llm.model", model),
		),
	)
}
