package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"time"

	"crm-copilot/internal/domain"
)

// Retry backoff bounds.
const (
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
	// maxRetryAfter caps a provider-requested back-off.
	maxRetryAfter = time.Minute
)

// memoNamespace is the cache namespace of memoized Generate results.
const memoNamespace = "gateway"

// maxToolCallIndex bounds the tool call slots a stream may open.
const maxToolCallIndex = 64

// Memo memoizes computed values. *cache.Cache satisfies it.
type Memo interface {
	GetOrCompute(ctx context.Context, ns, key string, ttl time.Duration, dst any, compute func(ctx context.Context) (any, error)) error
}

// GatewayDeps holds injected dependencies for the gateway.
type GatewayDeps struct {
	Registry *Registry
	Logger   *slog.Logger
	// Aliases maps logical model names to concrete model ids.
	Aliases map[string]string
	// ContextWindows maps concrete model ids to their prompt token limit.
	ContextWindows   map[string]int
	Counter          domain.TokenCounter // optional, nil = no pre-flight check
	RequestTimeout   time.Duration       // per attempt, 0 = none
	MaxRetries       int
	Memo             Memo // optional, nil = Generate is never memoized
	GenerateCacheTTL time.Duration
}

var _ domain.ModelGateway = (*Gateway)(nil)

// Gateway is the single entry point for model calls. It resolves model
// aliases, enforces timeouts, retries transient failures and reassembles
// streamed responses.
type Gateway struct {
	deps GatewayDeps
}

// NewGateway creates a gateway.
func NewGateway(deps GatewayDeps) *Gateway {
	if deps.MaxRetries < 0 {
		deps.MaxRetries = 0
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{deps: deps}
}

// preparedCall is a request bound to a provider.
type preparedCall struct {
	provider domain.LLMProvider
	req      domain.ChatRequest
}

// ResolveModel maps a logical alias to its concrete model id. Unknown names
// pass through; the empty name stays empty so the provider default applies.
func (g *Gateway) ResolveModel(name string) string {
	if concrete, ok := g.deps.Aliases[name]; ok {
		return concrete
	}
	return name
}

func (g *Gateway) prepare(msgs []domain.Message, opts domain.CompletionOptions) (*preparedCall, error) {
	provider, model, err := g.deps.Registry.Resolve(g.ResolveModel(opts.Model))
	if err != nil {
		return nil, err
	}

	req := domain.ChatRequest{
		Model:          model,
		Messages:       slices.Clone(msgs),
		Tools:          opts.Tools,
		MaxTokens:      opts.MaxTokens,
		Temperature:    opts.Temperature,
		ResponseFormat: opts.ResponseFormat,
	}

	if err := g.checkContextWindow(provider.Name(), req); err != nil {
		return nil, err
	}
	return &preparedCall{provider: provider, req: req}, nil
}

// checkContextWindow rejects prompts that cannot fit before any network call.
func (g *Gateway) checkContextWindow(provider string, req domain.ChatRequest) error {
	window, ok := g.deps.ContextWindows[req.Model]
	if !ok || window <= 0 || g.deps.Counter == nil {
		return nil
	}
	n, err := g.deps.Counter.CountMessages(req.Model, req.Messages, req.Tools)
	if err != nil {
		g.deps.Logger.Debug("token count unavailable, skipping pre-flight check", "model", req.Model, "error", err)
		return nil
	}
	if n > window {
		return &domain.ProviderError{
			Kind:     domain.ProviderErrContextLength,
			Provider: provider,
			Message:  fmt.Sprintf("prompt is %d tokens, context window of %s is %d", n, req.Model, window),
		}
	}
	return nil
}

// Complete runs one non-streaming model call.
func (g *Gateway) Complete(ctx context.Context, msgs []domain.Message, opts domain.CompletionOptions) (*domain.ChatResponse, error) {
	call, err := g.prepare(msgs, opts)
	if err != nil {
		return nil, err
	}
	return g.complete(ctx, call)
}

func (g *Gateway) complete(ctx context.Context, call *preparedCall) (*domain.ChatResponse, error) {
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := g.attemptContext(ctx)
		resp, err := call.provider.Chat(attemptCtx, call.req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if !g.shouldRetry(ctx, err, attempt) {
			return nil, err
		}
		if werr := g.wait(ctx, "chat", call, attempt, err); werr != nil {
			return nil, werr
		}
	}
}

// Generate sends a single user turn and returns the reply text. With a
// temperature of exactly 0 and a configured TTL the result is memoized.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts domain.CompletionOptions) (string, error) {
	var msgs []domain.Message
	if opts.System != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: opts.System})
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: prompt})

	generate := func(ctx context.Context) (any, error) {
		resp, err := g.Complete(ctx, msgs, opts)
		if err != nil {
			return nil, err
		}
		return resp.Message.Text(), nil
	}

	if g.deps.Memo == nil || g.deps.GenerateCacheTTL <= 0 || opts.Temperature == nil || *opts.Temperature != 0 {
		out, err := generate(ctx)
		if err != nil {
			return "", err
		}
		return out.(string), nil
	}

	var out string
	key := generateKey(g.ResolveModel(opts.Model), opts.System, prompt, *opts.Temperature)
	if err := g.deps.Memo.GetOrCompute(ctx, memoNamespace, key, g.deps.GenerateCacheTTL, &out, generate); err != nil {
		return "", err
	}
	return out, nil
}

func generateKey(model, system, prompt string, temperature float64) string {
	h := sha256.New()
	for _, part := range []string{model, system, prompt, strconv.FormatFloat(temperature, 'f', -1, 64)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CompleteStreaming starts a streaming model call. Providers without
// streaming support are called synchronously and replayed as one delta.
func (g *Gateway) CompleteStreaming(ctx context.Context, msgs []domain.Message, opts domain.CompletionOptions) (domain.CompletionStream, error) {
	call, err := g.prepare(msgs, opts)
	if err != nil {
		return nil, err
	}

	sp, ok := call.provider.(domain.StreamingLLMProvider)
	if !ok {
		resp, err := g.complete(ctx, call)
		if err != nil {
			return nil, err
		}
		return replayStream(resp), nil
	}

	call.req.Stream = true
	ch, cancel, attempt, err := g.openStream(ctx, sp, call, 0)
	if err != nil {
		return nil, err
	}

	s := newStream()
	go g.pump(ctx, s, sp, call, ch, cancel, attempt)
	return s, nil
}

// openStream opens a provider stream, retrying setup failures. It returns
// the attempt number that succeeded.
func (g *Gateway) openStream(ctx context.Context, sp domain.StreamingLLMProvider, call *preparedCall, attempt int) (<-chan domain.StreamDelta, context.CancelFunc, int, error) {
	for ; ; attempt++ {
		attemptCtx, cancel := g.attemptContext(ctx)
		ch, err := sp.ChatStream(attemptCtx, call.req)
		if err == nil {
			return ch, cancel, attempt, nil
		}
		cancel()
		if !g.shouldRetry(ctx, err, attempt) {
			return nil, nil, attempt, err
		}
		if werr := g.wait(ctx, "stream", call, attempt, err); werr != nil {
			return nil, nil, attempt, werr
		}
	}
}

// pump forwards deltas to s and accumulates the final message. A stream that
// breaks before anything was forwarded is reopened within the retry budget.
func (g *Gateway) pump(ctx context.Context, s *Stream, sp domain.StreamingLLMProvider, call *preparedCall, ch <-chan domain.StreamDelta, cancel context.CancelFunc, attempt int) {
	defer s.finish()

	acc := newStreamAccumulator()
	emitted := false
	for {
		var failed error
	read:
		for d := range ch {
			if d.Err != nil {
				failed = d.Err
				break read
			}
			acc.add(d)
			if d.Content != "" || len(d.ToolCalls) > 0 {
				emitted = true
			}
			select {
			case s.deltas <- d:
			case <-ctx.Done():
				failed = ctx.Err()
				break read
			}
		}
		cancel()

		if failed == nil {
			s.resp = acc.response(call.req.Model)
			return
		}
		if emitted || !g.shouldRetry(ctx, failed, attempt) {
			s.err = failed
			return
		}
		if err := g.wait(ctx, "stream", call, attempt, failed); err != nil {
			s.err = err
			return
		}

		var err error
		ch, cancel, attempt, err = g.openStream(ctx, sp, call, attempt+1)
		if err != nil {
			s.err = err
			return
		}
		acc = newStreamAccumulator()
	}
}

func (g *Gateway) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.deps.RequestTimeout > 0 {
		return context.WithTimeout(ctx, g.deps.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (g *Gateway) shouldRetry(ctx context.Context, err error, attempt int) bool {
	return attempt < g.deps.MaxRetries && ctx.Err() == nil && domain.IsRetryableError(err)
}

// wait sleeps before the next attempt, honoring a provider's Retry-After.
func (g *Gateway) wait(ctx context.Context, mode string, call *preparedCall, attempt int, cause error) error {
	delay := retryBackoff(attempt)
	var pe *domain.ProviderError
	if errors.As(cause, &pe) && pe.RetryAfter > 0 {
		delay = min(pe.RetryAfter, maxRetryAfter)
	}

	g.deps.Logger.Warn("retrying model call after error",
		"mode", mode,
		"provider", call.provider.Name(),
		"model", call.req.Model,
		"attempt", attempt+1,
		"delay", delay,
		"error", cause,
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(min(attempt, 10)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int64N(int64(delay/4) + 1))
	return delay + jitter
}

// Stream is an in-flight streaming completion.
type Stream struct {
	deltas chan domain.StreamDelta
	done   chan struct{}
	resp   *domain.ChatResponse
	err    error
}

func newStream() *Stream {
	return &Stream{
		deltas: make(chan domain.StreamDelta, 16),
		done:   make(chan struct{}),
	}
}

func (s *Stream) finish() {
	close(s.deltas)
	close(s.done)
}

// Deltas returns the channel of incremental deltas. It must be drained or
// the call's context cancelled.
func (s *Stream) Deltas() <-chan domain.StreamDelta { return s.deltas }

// Response blocks until the stream ends and returns the accumulated
// response, or nil if the stream failed.
func (s *Stream) Response() *domain.ChatResponse {
	<-s.done
	return s.resp
}

// Err blocks until the stream ends and returns its terminal error.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// replayStream wraps a complete response as an already finished stream.
func replayStream(resp *domain.ChatResponse) *Stream {
	s := &Stream{
		deltas: make(chan domain.StreamDelta, 2),
		done:   make(chan struct{}),
		resp:   resp,
	}
	first := domain.StreamDelta{Content: resp.Message.Text()}
	for i, tc := range resp.Message.ToolCalls {
		first.ToolCalls = append(first.ToolCalls, domain.ToolCallDelta{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: string(tc.Arguments),
		})
	}
	usage := resp.Usage
	s.deltas <- first
	s.deltas <- domain.StreamDelta{Done: true, Usage: &usage}
	s.finish()
	return s
}

// streamAccumulator collects incremental deltas into a complete message.
// Tool call fragments are grouped by their Index.
type streamAccumulator struct {
	content   []byte
	toolCalls map[int]*domain.ToolCall
	args      map[int][]byte
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{
		toolCalls: make(map[int]*domain.ToolCall),
		args:      make(map[int][]byte),
	}
}

func (acc *streamAccumulator) add(d domain.StreamDelta) {
	acc.content = append(acc.content, d.Content...)

	for _, tc := range d.ToolCalls {
		if tc.Index < 0 || tc.Index >= maxToolCallIndex {
			continue
		}
		existing, ok := acc.toolCalls[tc.Index]
		if !ok {
			existing = &domain.ToolCall{}
			acc.toolCalls[tc.Index] = existing
		}
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		acc.args[tc.Index] = append(acc.args[tc.Index], tc.Arguments...)
	}

	if d.Usage != nil {
		acc.usage = *d.Usage
	}
}

func (acc *streamAccumulator) response(model string) *domain.ChatResponse {
	now := time.Now()
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   string(acc.content),
		Timestamp: now,
	}

	indexes := make([]int, 0, len(acc.toolCalls))
	for i := range acc.toolCalls {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	for _, i := range indexes {
		tc := *acc.toolCalls[i]
		tc.Arguments = acc.args[i]
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &domain.ChatResponse{
		Model:        model,
		Message:      msg,
		Usage:        acc.usage,
		FinishReason: finish,
		CreatedAt:    now,
	}
}
