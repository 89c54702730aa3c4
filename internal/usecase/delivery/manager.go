// Package delivery hands orchestration output to synchronous, push and
// poll-only clients.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase"
)

// streamNamespace is the cache namespace of poll-mode chunk buffers.
const streamNamespace = "stream"

const (
	defaultChunkTTL        = 5 * time.Minute
	defaultPollTaskTimeout = 5 * time.Minute
)

// Runner executes one orchestration run. *usecase.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req usecase.RunRequest) (*usecase.RunResult, error)
}

// ChunkStore persists chunk buffers. *cache.Cache satisfies it.
type ChunkStore interface {
	Get(ctx context.Context, ns, key string, dst any) (bool, error)
	Set(ctx context.Context, ns, key string, v any, ttl time.Duration) error
}

// Sink receives a push-mode run as it happens.
type Sink interface {
	WriteDelta(text string) error
	Complete(result *FinalResult) error
	Fail(info domain.ErrorInfo) error
}

// Request is one user turn to answer.
type Request struct {
	ConversationID string                   `json:"conversation_id,omitempty"`
	Messages       []domain.Message         `json:"messages"`
	Options        domain.CompletionOptions `json:"options,omitzero"`
}

// ToolSummary is the client view of one executed tool call.
type ToolSummary struct {
	Tool     string           `json:"tool"`
	CallID   string           `json:"call_id"`
	Success  bool             `json:"success"`
	Risk     domain.RiskLevel `json:"risk_level,omitempty"`
	Verbatim bool             `json:"verbatim"`
	Text     string           `json:"text"`
}

// FinalResult is the completed answer of a run.
type FinalResult struct {
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	Iterations     int           `json:"iterations"`
	ModelCalls     int           `json:"model_calls"`
	Tools          []ToolSummary `json:"tools,omitempty"`
	Usage          domain.Usage  `json:"usage"`
}

// ManagerDeps holds injected dependencies for the manager.
type ManagerDeps struct {
	Runner   Runner
	Executor domain.ToolExecutor
	Store    ChunkStore
	Pool     *TaskPool
	Logger   *slog.Logger
	Bus      domain.EventBus // optional, nil = no events
	// Model is used when a request names no model.
	Model           string
	ChunkTTL        time.Duration
	PollTaskTimeout time.Duration
}

// Manager runs orchestrations for the three client kinds.
type Manager struct {
	deps ManagerDeps
}

// NewManager creates a delivery manager.
func NewManager(deps ManagerDeps) *Manager {
	if deps.ChunkTTL <= 0 {
		deps.ChunkTTL = defaultChunkTTL
	}
	if deps.PollTaskTimeout <= 0 {
		deps.PollTaskTimeout = defaultPollTaskTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Pool == nil {
		deps.Pool = NewTaskPool(1, deps.Logger)
	}
	return &Manager{deps: deps}
}

// RunSynchronous runs to completion and returns the final answer.
func (m *Manager) RunSynchronous(ctx context.Context, req Request) (*FinalResult, error) {
	convID := conversationID(req)
	res, err := m.deps.Runner.Run(ctx, m.runRequest(convID, req, nil))
	if err != nil {
		return nil, err
	}
	return finalResult(convID, res), nil
}

// RunPush writes every text delta to sink as it arrives, then completes or
// fails the sink. A sink write error cancels the run and is returned.
func (m *Manager) RunPush(ctx context.Context, req Request, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sinkErr error
	onDelta := func(d domain.StreamDelta) {
		if d.Content == "" || sinkErr != nil {
			return
		}
		if err := sink.WriteDelta(d.Content); err != nil {
			sinkErr = err
			cancel()
		}
	}

	convID := conversationID(req)
	res, err := m.deps.Runner.Run(ctx, m.runRequest(convID, req, onDelta))
	if sinkErr != nil {
		m.deps.Logger.Info("push client went away", "conversation_id", convID, "error", sinkErr)
		return sinkErr
	}
	if err != nil {
		if ferr := sink.Fail(domain.NewErrorInfo(err)); ferr != nil {
			m.deps.Logger.Warn("failed to report run error to client", "conversation_id", convID, "error", ferr)
		}
		return err
	}
	return sink.Complete(finalResult(convID, res))
}

// StartPoll starts a background run whose output is collected in a chunk
// buffer and returns the request id to poll with. The run is detached from
// ctx and bounded by the poll task timeout. Nothing is written when the pool
// refuses the run.
func (m *Manager) StartPoll(ctx context.Context, req Request) (string, error) {
	convID := conversationID(req)
	requestID := ulid.Make().String()

	w := &chunkWriter{
		store:     m.deps.Store,
		requestID: requestID,
		ttl:       m.deps.ChunkTTL,
		logger:    m.deps.Logger,
		buf:       domain.ChunkBuffer{Chunks: []domain.StreamChunk{}, ConversationID: convID},
	}

	// The slot is taken first; the run starts once the empty buffer exists.
	ready := make(chan bool, 1)
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deps.PollTaskTimeout)
	task := func() {
		defer cancel()
		if !<-ready {
			return
		}
		m.runPoll(runCtx, convID, requestID, req, w)
	}
	onPanic := func(r any) {
		defer cancel()
		w.fail(runCtx, domain.ErrorInfo{Code: domain.CodeUnknown, Message: fmt.Sprintf("run panicked: %v", r)})
	}

	if err := m.deps.Pool.Go("poll:"+requestID, task, onPanic); err != nil {
		cancel()
		return "", domain.WrapOp("Manager.StartPoll", err)
	}
	if err := w.flush(ctx); err != nil {
		ready <- false
		return "", domain.WrapOp("Manager.StartPoll", err)
	}
	ready <- true

	m.publish(ctx, domain.EventPollStarted, convID, map[string]string{"request_id": requestID})
	return requestID, nil
}

func (m *Manager) runPoll(ctx context.Context, convID, requestID string, req Request, w *chunkWriter) {
	onDelta := func(d domain.StreamDelta) {
		if d.Content != "" {
			w.text(ctx, d.Content)
		}
	}

	_, err := m.deps.Runner.Run(ctx, m.runRequest(convID, req, onDelta))
	if err != nil {
		m.deps.Logger.Warn("poll run failed", "conversation_id", convID, "request_id", requestID, "error", err)
		w.fail(ctx, domain.NewErrorInfo(err))
	} else {
		w.complete(ctx)
	}
	m.publish(ctx, domain.EventPollCompleted, convID, map[string]any{
		"request_id": requestID,
		"success":    err == nil,
	})
}

// Poll returns the chunks after lastIndex. Polling never changes the buffer;
// an unknown or expired id reads as complete with no chunks.
func (m *Manager) Poll(ctx context.Context, requestID string, lastIndex int) (*domain.PollResult, error) {
	var buf domain.ChunkBuffer
	found, err := m.deps.Store.Get(ctx, streamNamespace, requestID, &buf)
	if err != nil {
		return nil, domain.WrapOp("Manager.Poll", err)
	}
	if !found {
		return &domain.PollResult{Chunks: []domain.StreamChunk{}, IsComplete: true}, nil
	}
	return &domain.PollResult{Chunks: buf.Since(lastIndex), IsComplete: buf.IsComplete}, nil
}

// Shutdown waits for background poll runs until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.deps.Pool.Shutdown(ctx)
}

func (m *Manager) runRequest(convID string, req Request, onDelta func(domain.StreamDelta)) usecase.RunRequest {
	opts := req.Options
	if opts.Model == "" {
		opts.Model = m.deps.Model
	}
	return usecase.RunRequest{
		ConversationID: convID,
		Conversation:   req.Messages,
		Executor:       m.deps.Executor,
		Options:        opts,
		OnDelta:        onDelta,
	}
}

func (m *Manager) publish(ctx context.Context, eventType domain.EventType, convID string, payload any) {
	if m.deps.Bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	m.deps.Bus.Publish(ctx, domain.Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		ConversationID: convID,
		Payload:        raw,
	})
}

func conversationID(req Request) string {
	if req.ConversationID != "" {
		return req.ConversationID
	}
	return uuid.NewString()
}

func finalResult(convID string, res *usecase.RunResult) *FinalResult {
	out := &FinalResult{
		ConversationID: convID,
		Text:           res.Message.Text(),
		Iterations:     res.Iterations,
		ModelCalls:     res.ModelCalls,
		Usage:          res.Usage,
	}
	for _, t := range res.ToolResults {
		out.Tools = append(out.Tools, ToolSummary{
			Tool:     t.Call.Name,
			CallID:   t.Call.ID,
			Success:  t.Err == nil && t.Result != nil && t.Result.Success,
			Risk:     t.Surface.Risk,
			Verbatim: t.Surface.Verbatim,
			Text:     t.Surface.Text,
		})
	}
	return out
}

// chunkWriter is the single writer of one poll buffer. Every change
// rewrites the whole buffer.
type chunkWriter struct {
	store     ChunkStore
	requestID string
	ttl       time.Duration
	logger    *slog.Logger

	mu  sync.Mutex
	buf domain.ChunkBuffer
}

func (w *chunkWriter) text(ctx context.Context, content string) {
	w.append(ctx, domain.ChunkText, content)
}

// complete and fail write even after the run's deadline passed.
func (w *chunkWriter) complete(ctx context.Context) {
	w.append(context.WithoutCancel(ctx), domain.ChunkComplete, "")
}

func (w *chunkWriter) fail(ctx context.Context, info domain.ErrorInfo) {
	raw, err := json.Marshal(map[string]domain.ErrorInfo{"error": info})
	if err != nil {
		raw = []byte(`{"error":{"code":"UNKNOWN","message":"unencodable error"}}`)
	}
	w.append(context.WithoutCancel(ctx), domain.ChunkComplete, string(raw))
}

func (w *chunkWriter) append(ctx context.Context, kind domain.ChunkKind, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.IsComplete {
		return
	}
	w.buf.Append(kind, content)
	if err := w.flushLocked(ctx); err != nil {
		w.logger.Warn("failed to write chunk buffer", "request_id", w.requestID, "error", err)
	}
}

func (w *chunkWriter) flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *chunkWriter) flushLocked(ctx context.Context) error {
	w.buf.UpdatedAt = time.Now()
	return w.store.Set(ctx, streamNamespace, w.requestID, w.buf, w.ttl)
}
