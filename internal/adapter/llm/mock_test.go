package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crm-copilot/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// mockProvider is a scripted domain.LLMProvider.
type mockProvider struct {
	name     string
	mu       sync.Mutex
	calls    int
	requests []domain.ChatRequest
	chatFunc func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.chatFunc == nil {
		return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "ok"}}, nil
	}
	return m.chatFunc(ctx, req)
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockStreamProvider scripts ChatStream per attempt.
type mockStreamProvider struct {
	mockProvider
	streamFunc func(ctx context.Context, attempt int) (<-chan domain.StreamDelta, error)
	streams    int
}

func (m *mockStreamProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	attempt := m.streams
	m.streams++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.streamFunc(ctx, attempt)
}

func deltaChan(deltas ...domain.StreamDelta) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch
}

func retryableErr() error {
	return &domain.ProviderError{Kind: domain.ProviderErrGeneric, Provider: "mock", StatusCode: 503, Message: "unavailable", Retryable: true, RetryAfter: time.Millisecond}
}
