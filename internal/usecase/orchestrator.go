package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/tracer"
	"crm-copilot/internal/usecase/grounding"
)

const defaultMaxIterations = 10

// RunState is the orchestrator's position in the model/tool loop.
type RunState string

const (
	StateAwaitingModel         RunState = "AWAITING_MODEL"
	StateExecutingTools        RunState = "EXECUTING_TOOLS"
	StateDoneSuccess           RunState = "DONE_SUCCESS"
	StateMaxIterationsExceeded RunState = "MAX_ITERATIONS_EXCEEDED"
)

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	Gateway       domain.ModelGateway
	Logger        *slog.Logger
	MaxIterations int
	// ParallelTools runs the calls of one model turn concurrently. Results
	// are still appended in call order.
	ParallelTools bool
	SystemPrompt  string          // optional, prepended as a system message
	Bus           domain.EventBus // optional, nil = no events
}

// RunRequest is one orchestration run.
type RunRequest struct {
	ConversationID string
	Conversation   []domain.Message
	// Tools offered to the model. Nil means every schema of Executor.
	Tools    []domain.ToolSchema
	Executor domain.ToolExecutor
	Options  domain.CompletionOptions
	// OnDelta switches the run to streaming model calls and receives every delta.
	OnDelta func(domain.StreamDelta)
}

// ToolOutcome records one executed tool call.
type ToolOutcome struct {
	Call      domain.ToolCall
	Iteration int
	// Result is nil when the call failed before the tool produced one.
	Result  *domain.ToolExecutionResult
	Surface grounding.Surface
	Err     error
}

// RunResult is the outcome of a successful run.
type RunResult struct {
	State        RunState
	Message      domain.Message
	Conversation []domain.Message
	Iterations   int
	ModelCalls   int
	ToolResults  []ToolOutcome
	Violations   []grounding.Violation
	Usage        domain.Usage
}

// Orchestrator drives the model/tool loop until the model answers without
// tool calls or the iteration ceiling is hit.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an orchestrator with the given dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{deps: deps}
}

// MaxIterations returns the model call ceiling of a run.
func (o *Orchestrator) MaxIterations() int { return o.deps.MaxIterations }

// Run executes the loop. Gateway errors are returned unchanged; a run that
// still requests tools on its last allowed model call fails with
// domain.ErrMaxIterations.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(req.Conversation) == 0 {
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrInvalidInput, "empty conversation")
	}
	convID := req.ConversationID
	if convID == "" {
		convID = domain.ConversationIDFromContext(ctx)
	}
	ctx = domain.ContextWithConversationID(ctx, convID)

	ctx, span := tracer.StartSpan(ctx, "orchestrator.run",
		trace.WithAttributes(
			tracer.StringAttr("conversation.id", convID),
			tracer.IntAttr("orchestrator.max_iterations", o.deps.MaxIterations),
			tracer.BoolAttr("orchestrator.streaming", req.OnDelta != nil),
		),
	)
	defer span.End()

	tools := req.Tools
	if tools == nil && req.Executor != nil {
		tools = req.Executor.Schemas()
	}
	offered := make(map[string]bool, len(tools))
	for _, t := range tools {
		offered[t.Name] = true
	}
	opts := req.Options
	opts.Tools = tools

	res := &RunResult{State: StateAwaitingModel}
	res.Conversation = o.seedConversation(req.Conversation, len(tools) > 0)

	o.publish(ctx, domain.EventRunStarted, convID, nil)

	fail := func(err error) (*RunResult, error) {
		tracer.RecordError(span, err)
		o.publish(ctx, domain.EventRunFailed, convID, domain.RunPayload{
			Iterations: res.Iterations,
			ModelCalls: res.ModelCalls,
			Usage:      res.Usage,
			Error:      domain.NewErrorInfo(err),
		})
		return nil, err
	}

	for iter := 1; iter <= o.deps.MaxIterations; iter++ {
		res.Iterations = iter
		res.State = StateAwaitingModel
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		resp, err := o.callModel(ctx, req, res.Conversation, opts, convID, iter)
		res.ModelCalls++
		if err != nil {
			o.deps.Logger.Error("model call failed", "conversation_id", convID, "iteration", iter, "error", err)
			return fail(err)
		}
		res.Usage.Add(resp.Usage)

		o.deps.Logger.Debug("model response",
			"conversation_id", convID,
			"iteration", iter,
			"tool_calls", len(resp.Message.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
		)

		if !resp.Message.HasToolCalls() {
			msg := resp.Message
			if msg.Role == "" {
				msg.Role = domain.RoleAssistant
			}
			res.Message = msg
			res.Conversation = append(res.Conversation, msg)
			res.State = StateDoneSuccess
			res.Violations = o.checkAnswer(ctx, convID, msg.Text(), res.ToolResults)

			span.SetAttributes(
				tracer.IntAttr("orchestrator.iterations", iter),
				tracer.IntAttr("orchestrator.tool_calls", len(res.ToolResults)),
			)
			tracer.SetOK(span)
			o.publish(ctx, domain.EventRunCompleted, convID, domain.RunPayload{
				Iterations: res.Iterations,
				ModelCalls: res.ModelCalls,
				Usage:      res.Usage,
			})
			return res, nil
		}

		if iter == o.deps.MaxIterations {
			res.State = StateMaxIterationsExceeded
			o.deps.Logger.Warn("iteration ceiling reached",
				"conversation_id", convID,
				"max_iterations", o.deps.MaxIterations,
				"pending_tool_calls", len(resp.Message.ToolCalls),
			)
			return fail(domain.NewDomainError("Orchestrator.Run", domain.ErrMaxIterations,
				fmt.Sprintf("model still requested tools after %d calls", res.ModelCalls)))
		}

		res.State = StateExecutingTools
		assistant := resp.Message
		assistant.Role = domain.RoleAssistant
		assistant.ToolCalls = normalizeCalls(assistant.ToolCalls, iter)
		res.Conversation = append(res.Conversation, assistant)

		outcomes, err := o.executeCalls(ctx, req.Executor, offered, convID, iter, assistant.ToolCalls)
		for _, out := range outcomes {
			res.ToolResults = append(res.ToolResults, out)
			res.Conversation = append(res.Conversation, toolMessage(out))
		}
		if err != nil {
			return fail(err)
		}
	}

	// Unreachable: the last iteration either answers or fails above.
	return fail(domain.NewDomainError("Orchestrator.Run", domain.ErrMaxIterations, ""))
}

// seedConversation copies the caller's messages and prepends the system
// guidance.
func (o *Orchestrator) seedConversation(in []domain.Message, withTools bool) []domain.Message {
	var system string
	switch {
	case o.deps.SystemPrompt != "" && withTools:
		system = o.deps.SystemPrompt + "\n\n" + grounding.Instruction
	case withTools:
		system = grounding.Instruction
	default:
		system = o.deps.SystemPrompt
	}

	out := make([]domain.Message, 0, len(in)+1)
	if system != "" {
		out = append(out, domain.Message{Role: domain.RoleSystem, Content: system})
	}
	return append(out, in...)
}

func (o *Orchestrator) callModel(ctx context.Context, req RunRequest, msgs []domain.Message, opts domain.CompletionOptions, convID string, iter int) (*domain.ChatResponse, error) {
	streaming := req.OnDelta != nil
	o.publish(ctx, domain.EventLLMCallStarted, convID, domain.LLMCallPayload{
		Model:     opts.Model,
		Iteration: iter,
		Streaming: streaming,
	})

	var (
		resp *domain.ChatResponse
		err  error
	)
	if streaming {
		resp, err = o.stream(ctx, req.OnDelta, msgs, opts)
	} else {
		resp, err = o.deps.Gateway.Complete(ctx, msgs, opts)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderErrGeneric, Message: "empty model response"}
	}

	o.publish(ctx, domain.EventLLMCallCompleted, convID, domain.LLMCallPayload{
		Model:     resp.Model,
		Iteration: iter,
		Streaming: streaming,
		ToolCalls: len(resp.Message.ToolCalls),
	})
	return resp, nil
}

func (o *Orchestrator) stream(ctx context.Context, onDelta func(domain.StreamDelta), msgs []domain.Message, opts domain.CompletionOptions) (*domain.ChatResponse, error) {
	s, err := o.deps.Gateway.CompleteStreaming(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	for d := range s.Deltas() {
		onDelta(d)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.Response(), nil
}

// executeCalls runs the calls of one turn and returns their outcomes in call
// order. It stops early when ctx is done; calls that already ran are kept.
func (o *Orchestrator) executeCalls(ctx context.Context, exec domain.ToolExecutor, offered map[string]bool, convID string, iter int, calls []domain.ToolCall) ([]ToolOutcome, error) {
	if !o.deps.ParallelTools || len(calls) < 2 {
		outcomes := make([]ToolOutcome, 0, len(calls))
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, o.executeTool(ctx, exec, offered, convID, iter, call))
		}
		return outcomes, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outcomes := make([]ToolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Go(func() {
			outcomes[i] = o.executeTool(ctx, exec, offered, convID, iter, call)
		})
	}
	wg.Wait()
	return outcomes, nil
}

// executeTool runs a single tool call. Every failure is folded into the
// outcome so the model sees it as a tool result.
func (o *Orchestrator) executeTool(ctx context.Context, exec domain.ToolExecutor, offered map[string]bool, convID string, iter int, call domain.ToolCall) ToolOutcome {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.execute_tool",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	out := ToolOutcome{Call: call, Iteration: iter}
	o.publish(ctx, domain.EventToolCallStarted, convID, domain.ToolCallPayload{
		CallID:    call.ID,
		Tool:      call.Name,
		Iteration: iter,
	})

	result, err := o.invoke(ctx, exec, offered, call)
	if err != nil {
		out.Err = err
		out.Surface = grounding.Surface{Text: "Error: " + err.Error()}
		tracer.RecordError(span, err)
		o.deps.Logger.Warn("tool call failed",
			"conversation_id", convID,
			"tool", call.Name,
			"call_id", call.ID,
			"error", err,
		)
		o.publish(ctx, domain.EventToolCallCompleted, convID, domain.ToolCallPayload{
			CallID:    call.ID,
			Tool:      call.Name,
			Iteration: iter,
			Error:     err.Error(),
		})
		return out
	}

	out.Result = result
	out.Surface = grounding.Enforce(result)
	span.SetAttributes(
		tracer.StringAttr("tool.risk_level", string(out.Surface.Risk)),
		tracer.BoolAttr("tool.success", result.Success),
	)
	if result.Success {
		tracer.SetOK(span)
	} else {
		o.deps.Logger.Warn("tool reported failure",
			"conversation_id", convID,
			"tool", call.Name,
			"call_id", call.ID,
			"error", result.Error,
		)
	}
	o.publish(ctx, domain.EventToolCallCompleted, convID, domain.ToolCallPayload{
		CallID:    call.ID,
		Tool:      call.Name,
		Iteration: iter,
		Risk:      out.Surface.Risk,
		Success:   result.Success,
		Error:     result.Error,
	})
	return out
}

func (o *Orchestrator) invoke(ctx context.Context, exec domain.ToolExecutor, offered map[string]bool, call domain.ToolCall) (result *domain.ToolExecutionResult, err error) {
	if exec == nil || !offered[call.Name] {
		return nil, &domain.ToolExecutionError{Tool: call.Name, Err: domain.ErrToolNotFound}
	}

	args := bytes.TrimSpace(call.Arguments)
	if len(args) == 0 {
		args = []byte("{}")
	}
	if !json.Valid(args) {
		return nil, &domain.ArgumentParseError{Tool: call.Name, Err: errors.New("arguments are not valid JSON")}
	}

	// A panicking tool fails its own call only; the run and the process go on.
	defer func() {
		if r := recover(); r != nil {
			o.deps.Logger.Error("tool panicked", "tool", call.Name, "call_id", call.ID, "panic", r)
			result, err = nil, &domain.ToolExecutionError{Tool: call.Name, Err: fmt.Errorf("tool panicked: %v", r)}
		}
	}()

	result, err = exec.Execute(ctx, call.Name, json.RawMessage(args))
	if err != nil {
		var argErr *domain.ArgumentParseError
		var toolErr *domain.ToolExecutionError
		if errors.As(err, &argErr) || errors.As(err, &toolErr) {
			return nil, err
		}
		return nil, &domain.ToolExecutionError{Tool: call.Name, Err: err}
	}
	if result == nil {
		return nil, &domain.ToolExecutionError{Tool: call.Name, Err: errors.New("tool returned no result")}
	}
	return result, nil
}

// checkAnswer logs and publishes strict results the final answer drifted from.
func (o *Orchestrator) checkAnswer(ctx context.Context, convID, answer string, outcomes []ToolOutcome) []grounding.Violation {
	var all []grounding.Violation
	for _, out := range outcomes {
		if out.Result == nil {
			continue
		}
		for _, v := range grounding.Violations(answer, []grounding.Surface{out.Surface}) {
			all = append(all, v)
			o.deps.Logger.Warn("final answer deviates from verified tool result",
				"conversation_id", convID,
				"tool", out.Call.Name,
				"missing", v.Missing,
				"contradicted", v.Contradicted,
			)
			o.publish(ctx, domain.EventGroundingViolated, convID, domain.ViolationPayload{
				Tool:    out.Call.Name,
				Missing: v.Missing,
			})
		}
	}
	return all
}

func (o *Orchestrator) publish(ctx context.Context, eventType domain.EventType, convID string, payload any) {
	if o.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	o.deps.Bus.Publish(ctx, domain.Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		ConversationID: convID,
		Payload:        raw,
	})
}

// normalizeCalls gives every call an id so each result can be paired with
// its request.
func normalizeCalls(calls []domain.ToolCall, iter int) []domain.ToolCall {
	out := make([]domain.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", iter, i)
		}
		out[i] = c
	}
	return out
}

func toolMessage(out ToolOutcome) domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		Name:       out.Call.Name,
		ToolCallID: out.Call.ID,
		Content:    out.Surface.Text,
		Timestamp:  time.Now(),
	}
}
