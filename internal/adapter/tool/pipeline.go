package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/grounding"
)

// minPipelineSample is the fewest opportunities worth analyzing.
const minPipelineSample = 3

type analyzePipelineParams struct {
	AccountID string `json:"account_id"`
}

// StageSummary is the per-stage breakdown returned as data.
type StageSummary struct {
	Stage  string  `json:"stage"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

// AnalyzePipelineTool summarizes the opportunity pipeline.
type AnalyzePipelineTool struct {
	records domain.RecordStore
	logger  *slog.Logger
}

func NewAnalyzePipelineTool(records domain.RecordStore, logger *slog.Logger) *AnalyzePipelineTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AnalyzePipelineTool{records: records, logger: logger}
}

func (t *AnalyzePipelineTool) Name() string { return "analyze_pipeline" }
func (t *AnalyzePipelineTool) Description() string {
	return "Analyze the sales pipeline: deal count, open value, average deal size, win rate and a per-stage breakdown. " +
		"Optionally limited to one account."
}

func (t *AnalyzePipelineTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"account_id": {"type": "string", "description": "Only analyze this account's opportunities"}
			},
			"additionalProperties": false
		}`),
	}
}

func (t *AnalyzePipelineTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	return execute(ctx, t.Name(), t.logger, args, t.analyze)
}

func (t *AnalyzePipelineTool) analyze(ctx context.Context, p analyzePipelineParams) (domain.GroundedResult[domain.AnalysisFacts], error) {
	facts := domain.AnalysisFacts{Subject: "the pipeline"}
	if p.AccountID != "" {
		facts.Subject = "the " + p.AccountID + " pipeline"
	}

	opps, _, err := t.records.Search(ctx, domain.RecordQuery{Type: domain.RecordOpportunity})
	if err != nil {
		return grounding.Fail(facts, err), nil
	}
	if p.AccountID != "" {
		n := 0
		for _, o := range opps {
			if o.AccountID == p.AccountID {
				opps[n] = o
				n++
			}
		}
		opps = opps[:n]
	}

	facts.SampleSize = len(opps)
	if len(opps) < minPipelineSample {
		return grounding.Build(domain.OutcomeInsufficientData, facts, nil), nil
	}

	byStage := make(map[string]*StageSummary, len(stages))
	breakdown := make([]*StageSummary, 0, len(stages))
	for _, s := range stages {
		sum := &StageSummary{Stage: s}
		byStage[s] = sum
		breakdown = append(breakdown, sum)
	}

	var total, open float64
	var openCount, won, lost int
	for _, o := range opps {
		total += o.Amount
		if sum, ok := byStage[o.Stage]; ok {
			sum.Count++
			sum.Amount += o.Amount
		}
		switch o.Stage {
		case domain.StageClosedWon:
			won++
		case domain.StageClosedLost:
			lost++
		default:
			open += o.Amount
			openCount++
		}
	}

	facts.Metrics = []domain.Metric{
		{Name: "Opportunities", Value: strconv.Itoa(len(opps))},
		{Name: "Open deals", Value: strconv.Itoa(openCount)},
		{Name: "Open pipeline value", Value: formatAmount(open)},
		{Name: "Average deal size", Value: formatAmount(total / float64(len(opps)))},
	}
	if won+lost > 0 {
		rate := float64(won) / float64(won+lost) * 100
		facts.Metrics = append(facts.Metrics, domain.Metric{Name: "Win rate", Value: fmt.Sprintf("%.0f%%", rate)})
	}
	return grounding.Build(domain.OutcomeCompleted, facts, map[string]any{"stages": breakdown}), nil
}

// formatAmount renders a currency amount with thousands separators.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	whole, frac, _ := strings.Cut(s, ".")
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if frac != "00" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
