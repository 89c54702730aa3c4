package llm

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/config"
)

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockProvider{name: "openai"}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, newTestLogger())

	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, "openai", cb.Name())
}

func TestCircuitBreakerOpensAfterServerFailures(t *testing.T) {
	inner := &mockProvider{
		name: "flaky",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, retryableErr()
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     time.Minute,
		Interval:    time.Minute,
	}, newTestLogger())

	for range 3 {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, 3, inner.callCount(), "open breaker fails fast")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.True(t, domain.IsRetryableError(err))
}

func TestCircuitBreakerIgnoresCallerErrors(t *testing.T) {
	inner := &mockProvider{
		name: "strict",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, &domain.ProviderError{Kind: domain.ProviderErrAuth, StatusCode: 401, Message: "bad key"}
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 2}, newTestLogger())

	for range 5 {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, 5, inner.callCount())
}

func TestCircuitBreakerStream(t *testing.T) {
	inner := &mockStreamProvider{
		mockProvider: mockProvider{name: "s"},
		streamFunc: func(context.Context, int) (<-chan domain.StreamDelta, error) {
			return deltaChan(domain.StreamDelta{Content: "hi"}, domain.StreamDelta{Done: true}), nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, newTestLogger())

	ch, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Len(t, collect(ch), 2)
}

func TestCircuitBreakerStreamUnsupported(t *testing.T) {
	cb := NewCircuitBreakerProvider(&mockProvider{name: "plain"}, config.CircuitBreakerConfig{}, newTestLogger())
	_, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrProviderError)
}
