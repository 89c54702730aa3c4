package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/logger"
	"crm-copilot/internal/infra/tracer"
)

// execute is the pipeline every tool runs through: decode arguments, trace,
// run the handler and erase its typed result.
//
// The handler reports business outcomes, including failures, through the
// grounded result it returns. A returned error means the tool itself broke.
func execute[P any, F domain.Facts](
	ctx context.Context,
	name string,
	log *slog.Logger,
	args json.RawMessage,
	handler func(ctx context.Context, p P) (domain.GroundedResult[F], error),
) (*domain.ToolExecutionResult, error) {
	convID := domain.ConversationIDFromContext(ctx)
	ctx, span := tracer.StartSpan(ctx, "tool."+name,
		trace.WithAttributes(
			tracer.StringAttr("tool.name", name),
			tracer.StringAttr("conversation.id", convID),
		),
	)
	defer span.End()
	log = logger.WithConversation(ctx, log.With("tool", name))

	var p P
	if err := json.Unmarshal(args, &p); err != nil {
		tracer.RecordError(span, err)
		return nil, &domain.ArgumentParseError{Tool: name, Err: err}
	}

	g, err := handler(ctx, p)
	if err != nil {
		tracer.RecordError(span, err)
		log.Warn("tool failed", "error", err)
		return nil, err
	}

	span.SetAttributes(
		tracer.StringAttr("tool.outcome", string(g.Outcome)),
		tracer.StringAttr("tool.risk_level", string(g.RiskLevel)),
	)
	if g.Success {
		tracer.SetOK(span)
	} else {
		log.Info("tool reported failure", "outcome", string(g.Outcome), "error", g.Error)
	}
	return g.Erase(), nil
}
