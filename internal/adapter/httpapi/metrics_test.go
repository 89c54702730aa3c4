package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/eventbus"
)

type fixedCacheStats domain.CacheStats

func (f fixedCacheStats) Stats() domain.CacheStats { return domain.CacheStats(f) }

type fixedPool struct{ active, capacity int }

func (p fixedPool) Active() int   { return p.active }
func (p fixedPool) Capacity() int { return p.capacity }

func TestMetricsFromEvents(t *testing.T) {
	bus := eventbus.New(nil)
	defer bus.Close()
	metrics := &Metrics{}
	unsub := metrics.Subscribe(bus)
	defer unsub()

	toolEvent := func(success bool) domain.Event {
		raw, _ := json.Marshal(domain.ToolCallPayload{Tool: "send_email", Success: success})
		return domain.Event{Type: domain.EventToolCallCompleted, Payload: raw}
	}
	ctx := context.Background()
	bus.Publish(ctx, domain.Event{Type: domain.EventRunCompleted})
	bus.Publish(ctx, domain.Event{Type: domain.EventRunFailed})
	bus.Publish(ctx, domain.Event{Type: domain.EventLLMCallCompleted})
	bus.Publish(ctx, toolEvent(true))
	bus.Publish(ctx, toolEvent(false))
	bus.Publish(ctx, domain.Event{Type: domain.EventGroundingViolated})

	assert.Eventually(t, func() bool {
		return metrics.ToolCalls.Load() == 2 && metrics.GroundingViolated.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), metrics.ToolErrors.Load())
	assert.Equal(t, int64(1), metrics.RunsCompleted.Load())
	assert.Equal(t, int64(1), metrics.RunsFailed.Load())
	assert.Equal(t, int64(1), metrics.ModelCalls.Load())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := &Metrics{}
	metrics.ToolCalls.Store(7)
	metrics.ToolErrors.Store(2)
	h := NewHandler(HandlerDeps{
		Assistant: newFakeAssistant(),
		Cache:     fixedCacheStats{Hits: 5, Misses: 3},
		Pool:      fixedPool{active: 1, capacity: 8},
		Metrics:   metrics,
	})
	routes := NewServer(ServerConfig{}, h, nil).Routes(context.Background())

	rec := do(routes, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE copilot_tool_calls_total counter\ncopilot_tool_calls_total 7\n")
	assert.Contains(t, body, "copilot_tool_errors_total 2\n")
	assert.Contains(t, body, "copilot_cache_hits_total 5\n")
	assert.Contains(t, body, "copilot_cache_misses_total 3\n")
	assert.Contains(t, body, "copilot_poll_tasks_active 1\n")
	assert.Contains(t, body, "copilot_poll_tasks_capacity 8\n")
	assert.Contains(t, body, "go_goroutines ")
}

func TestHealth(t *testing.T) {
	tools := domain.ToolExecutorFunc{ToolSpecs: []domain.ToolSchema{{Name: "a"}, {Name: "b"}}}
	h := NewHandler(HandlerDeps{Assistant: newFakeAssistant(), Tools: tools, Version: "test"})
	routes := NewServer(ServerConfig{}, h, nil).Routes(context.Background())

	rec := do(routes, http.MethodGet, "/api/v1/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "test", got.Version)
	assert.Equal(t, 2, got.Tools)
}
