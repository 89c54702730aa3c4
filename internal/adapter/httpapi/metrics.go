package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"crm-copilot/internal/domain"
)

// CacheStats reports cache hit/miss counters. *cache.Cache satisfies it.
type CacheStats interface {
	Stats() domain.CacheStats
}

// PoolStats reports background task pool usage. *delivery.TaskPool satisfies it.
type PoolStats interface {
	Active() int
	Capacity() int
}

// Metrics counts assistant activity from the event bus.
type Metrics struct {
	RunsCompleted     atomic.Int64
	RunsFailed        atomic.Int64
	ModelCalls        atomic.Int64
	ToolCalls         atomic.Int64
	ToolErrors        atomic.Int64
	GroundingViolated atomic.Int64
	PollRunsStarted   atomic.Int64
	RateLimited       atomic.Int64
}

// Subscribe feeds m from bus and returns the unsubscribe function.
func (m *Metrics) Subscribe(bus domain.EventBus) func() {
	return bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		switch e.Type {
		case domain.EventRunCompleted:
			m.RunsCompleted.Add(1)
		case domain.EventRunFailed:
			m.RunsFailed.Add(1)
		case domain.EventLLMCallCompleted:
			m.ModelCalls.Add(1)
		case domain.EventToolCallCompleted:
			m.ToolCalls.Add(1)
			var p domain.ToolCallPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil && !p.Success {
				m.ToolErrors.Add(1)
			}
		case domain.EventGroundingViolated:
			m.GroundingViolated.Add(1)
		case domain.EventPollStarted:
			m.PollRunsStarted.Add(1)
		}
	})
}

// handleMetrics writes GET /metrics in Prometheus text format.
func (h *Handler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m := h.metrics

	counter(w, "copilot_runs_completed_total", "Runs that ended with a final answer.", m.RunsCompleted.Load())
	counter(w, "copilot_runs_failed_total", "Runs that ended with an error.", m.RunsFailed.Load())
	counter(w, "copilot_model_calls_total", "Model calls made by runs.", m.ModelCalls.Load())
	counter(w, "copilot_tool_calls_total", "Tool calls executed.", m.ToolCalls.Load())
	counter(w, "copilot_tool_errors_total", "Tool calls that did not succeed.", m.ToolErrors.Load())
	counter(w, "copilot_grounding_violations_total", "Final answers missing verified facts.", m.GroundingViolated.Load())
	counter(w, "copilot_poll_runs_started_total", "Background poll runs started.", m.PollRunsStarted.Load())
	counter(w, "copilot_http_rate_limited_total", "Requests rejected by the rate limiter.", m.RateLimited.Load())

	if h.deps.Cache != nil {
		stats := h.deps.Cache.Stats()
		counter(w, "copilot_cache_hits_total", "Cache lookups that found a value.", stats.Hits)
		counter(w, "copilot_cache_misses_total", "Cache lookups that found nothing.", stats.Misses)
	}
	if h.deps.Pool != nil {
		gauge(w, "copilot_poll_tasks_active", "Background poll runs in flight.", float64(h.deps.Pool.Active()))
		gauge(w, "copilot_poll_tasks_capacity", "Maximum concurrent background poll runs.", float64(h.deps.Pool.Capacity()))
	}
	if h.deps.Tools != nil {
		gauge(w, "copilot_tools_registered", "Number of registered tools.", float64(len(h.deps.Tools.Schemas())))
	}
	gauge(w, "copilot_uptime_seconds", "Seconds since the server started.", time.Since(h.started).Seconds())
	gauge(w, "go_goroutines", "Number of goroutines.", float64(runtime.NumGoroutine()))
}

func counter(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w http.ResponseWriter, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
}
