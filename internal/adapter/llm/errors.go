package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"crm-copilot/internal/domain"
)

// contextLengthPatterns mark a 400/413 body as a prompt that does not fit.
var contextLengthPatterns = []string{
	"context_length_exceeded",
	"context length",
	"context window",
	"maximum context",
	"prompt is too long",
	"too many tokens",
	"token limit",
	"reduce the length",
}

// contentFilterPatterns mark a refusal by the provider's safety layer.
var contentFilterPatterns = []string{
	"content_filter",
	"content management policy",
	"safety system",
	"content policy",
}

// retryHintPattern matches "try again in 1.5s" / "retry after 200ms" style body hints.
var retryHintPattern = regexp.MustCompile(`(?i)(?:try again|retry) (?:in|after) (\d+(?:\.\d+)?)\s*(ms|s|seconds?)`)

// maxErrorMessage bounds the provider message kept on a ProviderError.
const maxErrorMessage = 512

// classifyHTTPError turns a non-2xx provider response into a *domain.ProviderError.
func classifyHTTPError(provider string, status int, header http.Header, body []byte) *domain.ProviderError {
	msg := extractErrorMessage(body)
	lower := strings.ToLower(string(body))
	pe := &domain.ProviderError{
		Kind:       domain.ProviderErrGeneric,
		Provider:   provider,
		StatusCode: status,
		Message:    msg,
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = domain.ProviderErrAuth
	case status == http.StatusTooManyRequests:
		pe.Kind = domain.ProviderErrRateLimit
		pe.Retryable = true
		pe.RetryAfter = retryAfter(header, lower)
	case (status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge) && containsAny(lower, contextLengthPatterns):
		pe.Kind = domain.ProviderErrContextLength
	case containsAny(lower, contentFilterPatterns):
		pe.Kind = domain.ProviderErrContentFilter
	case status >= 500:
		pe.Retryable = true
	}
	return pe
}

// classifyTransportError wraps a failure that happened before a response arrived.
// Cancellation by the caller is returned unchanged so it is never retried.
func classifyTransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.ProviderError{
		Kind:      domain.ProviderErrGeneric,
		Provider:  provider,
		Message:   err.Error(),
		Retryable: true,
		Cause:     err,
	}
}

// classifyStreamMessage classifies an error event delivered inside a 200 SSE stream.
func classifyStreamMessage(provider, errType, msg string) *domain.ProviderError {
	lower := strings.ToLower(errType + " " + msg)
	pe := &domain.ProviderError{Kind: domain.ProviderErrGeneric, Provider: provider, Message: msg}
	switch {
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit"):
		pe.Kind = domain.ProviderErrRateLimit
		pe.Retryable = true
	case containsAny(lower, contextLengthPatterns):
		pe.Kind = domain.ProviderErrContextLength
	case containsAny(lower, contentFilterPatterns):
		pe.Kind = domain.ProviderErrContentFilter
	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "server_error") || strings.Contains(lower, "api_error"):
		pe.Retryable = true
	}
	return pe
}

// retryAfter reads Retry-After (seconds or HTTP date), then OpenAI's
// retry-after-ms, then a hint in the body. Zero means unknown.
func retryAfter(header http.Header, lowerBody string) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}
	if v := header.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	if m := retryHintPattern.FindStringSubmatch(lowerBody); len(m) == 3 {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0
		}
		if m[2] == "ms" {
			return time.Duration(n * float64(time.Millisecond))
		}
		return time.Duration(n * float64(time.Second))
	}
	return 0
}

// apiErrorBody covers the OpenAI and Anthropic error envelopes.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func extractErrorMessage(body []byte) string {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		return truncate(eb.Error.Message, maxErrorMessage)
	}
	return truncate(strings.TrimSpace(string(body)), maxErrorMessage)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
