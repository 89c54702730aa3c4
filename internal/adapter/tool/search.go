package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/grounding"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

type searchRecordsParams struct {
	Query string `json:"query"`
	Type  string `json:"type"`
	Stage string `json:"stage"`
	Limit int    `json:"limit"`
}

// SearchRecordsTool finds records by name or email.
type SearchRecordsTool struct {
	records      domain.RecordStore
	defaultLimit int
	logger       *slog.Logger
}

// NewSearchRecordsTool creates the search tool. limit <= 0 uses the default.
func NewSearchRecordsTool(records domain.RecordStore, limit int, logger *slog.Logger) *SearchRecordsTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return &SearchRecordsTool{records: records, defaultLimit: min(limit, maxSearchLimit), logger: logger}
}

func (t *SearchRecordsTool) Name() string { return "search_records" }
func (t *SearchRecordsTool) Description() string {
	return "Search CRM records by name or email, optionally filtered by type and opportunity stage."
}

func (t *SearchRecordsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Text to match; empty matches everything"},
				"type": {"type": "string", "enum": ["account", "contact", "opportunity"]},
				"stage": {"type": "string", "enum": ["prospecting", "qualified", "proposal", "negotiation", "closed_won", "closed_lost"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`),
	}
}

func (t *SearchRecordsTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	return execute(ctx, t.Name(), t.logger, args, t.search)
}

func (t *SearchRecordsTool) search(ctx context.Context, p searchRecordsParams) (domain.GroundedResult[domain.RetrievalFacts], error) {
	facts := domain.RetrievalFacts{Query: p.Query, RecordType: p.Type}

	limit := p.Limit
	if limit <= 0 {
		limit = t.defaultLimit
	}
	records, total, err := t.records.Search(ctx, domain.RecordQuery{
		Type:  p.Type,
		Text:  p.Query,
		Stage: p.Stage,
		Limit: min(limit, maxSearchLimit),
	})
	if err != nil {
		return grounding.Fail(facts, err), nil
	}

	facts.Returned = len(records)
	facts.Total = total
	if total == 0 {
		return grounding.Build(domain.OutcomeEmpty, facts, records), nil
	}
	return grounding.Build(domain.OutcomeFound, facts, records), nil
}
