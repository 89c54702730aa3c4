package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/grounding"
)

var (
	recordTypes = []string{domain.RecordAccount, domain.RecordContact, domain.RecordOpportunity}
	stages      = []string{
		domain.StageProspecting, domain.StageQualified, domain.StageProposal,
		domain.StageNegotiation, domain.StageClosedWon, domain.StageClosedLost,
	}
)

// recordFacts describes r for the record templates.
func recordFacts(r *domain.Record, changed []string) domain.RecordFacts {
	return domain.RecordFacts{
		RecordType:    r.Type,
		RecordID:      r.ID,
		RecordName:    r.Name,
		ChangedFields: changed,
	}
}

// validatePatch checks the values a create or update would write.
func validatePatch(p domain.RecordPatch) error {
	if p.Name != nil {
		if err := RequireField("name", *p.Name); err != nil {
			return err
		}
	}
	if p.Email != nil && *p.Email != "" {
		if _, err := ValidateEmail(*p.Email); err != nil {
			return err
		}
	}
	if p.Stage != nil {
		if err := ValidateEnum("stage", *p.Stage, stages...); err != nil {
			return err
		}
	}
	if p.Amount != nil && *p.Amount < 0 {
		return errors.New("amount must not be negative")
	}
	return nil
}

// --- create_record ---

type createRecordParams struct {
	Type string `json:"type"`
	domain.RecordPatch
}

// CreateRecordTool adds an account, contact or opportunity.
type CreateRecordTool struct {
	records domain.RecordStore
	logger  *slog.Logger
}

func NewCreateRecordTool(records domain.RecordStore, logger *slog.Logger) *CreateRecordTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CreateRecordTool{records: records, logger: logger}
}

func (t *CreateRecordTool) Name() string { return "create_record" }
func (t *CreateRecordTool) Description() string {
	return "Create a CRM record (account, contact or opportunity)."
}

func (t *CreateRecordTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {"type": "string", "enum": ["account", "contact", "opportunity"]},
				"name": {"type": "string", "minLength": 1},
				"email": {"type": "string"},
				"stage": {"type": "string", "enum": ["prospecting", "qualified", "proposal", "negotiation", "closed_won", "closed_lost"]},
				"amount": {"type": "number", "minimum": 0},
				"account_id": {"type": "string"},
				"fields": {"type": "object", "additionalProperties": {"type": "string"}}
			},
			"required": ["type", "name"],
			"additionalProperties": false
		}`),
	}
}

func (t *CreateRecordTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	return execute(ctx, t.Name(), t.logger, args, t.create)
}

func (t *CreateRecordTool) create(ctx context.Context, p createRecordParams) (domain.GroundedResult[domain.RecordFacts], error) {
	r := &domain.Record{Type: p.Type}
	if p.Name != nil {
		r.Name = *p.Name
	}
	facts := recordFacts(r, nil)

	if err := ValidateEnum("type", p.Type, recordTypes...); err != nil {
		return grounding.Fail(facts, err), nil
	}
	if err := validatePatch(p.RecordPatch); err != nil {
		return grounding.Fail(facts, err), nil
	}
	if p.Stage != nil && p.Type != domain.RecordOpportunity {
		return grounding.Fail(facts, errors.New("only opportunities have a stage")), nil
	}
	if p.AccountID != nil && *p.AccountID != "" {
		if _, err := t.records.Get(ctx, *p.AccountID); err != nil {
			return grounding.Fail(facts, err), nil
		}
	}
	if p.Type == domain.RecordOpportunity && p.Stage == nil {
		stage := domain.StageProspecting
		p.Stage = &stage
	}

	fields := setFields(r, p.RecordPatch)
	if err := t.records.Create(ctx, r); err != nil {
		return grounding.Fail(facts, err), nil
	}
	return grounding.Build(domain.OutcomeCreated, recordFacts(r, fields), r), nil
}

// setFields copies the patch into a new record and returns the set names.
func setFields(r *domain.Record, p domain.RecordPatch) []string {
	var set []string
	str := func(name string, dst *string, v *string) {
		if v != nil && *v != "" {
			*dst = *v
			set = append(set, name)
		}
	}
	str("name", &r.Name, p.Name)
	str("email", &r.Email, p.Email)
	str("stage", &r.Stage, p.Stage)
	str("account_id", &r.AccountID, p.AccountID)
	if p.Amount != nil {
		r.Amount = *p.Amount
		set = append(set, "amount")
	}
	if len(p.Fields) > 0 {
		r.Fields = make(map[string]string, len(p.Fields))
		for k, v := range p.Fields {
			r.Fields[k] = v
			set = append(set, k)
		}
	}
	slices.Sort(set)
	return set
}

// --- update_record ---

type updateRecordParams struct {
	ID string `json:"id"`
	domain.RecordPatch
}

// UpdateRecordTool changes fields of an existing record.
type UpdateRecordTool struct {
	records domain.RecordStore
	logger  *slog.Logger
}

func NewUpdateRecordTool(records domain.RecordStore, logger *slog.Logger) *UpdateRecordTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &UpdateRecordTool{records: records, logger: logger}
}

func (t *UpdateRecordTool) Name() string { return "update_record" }
func (t *UpdateRecordTool) Description() string {
	return "Update fields of a CRM record by id. Only the given fields change."
}

func (t *UpdateRecordTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"name": {"type": "string", "minLength": 1},
				"email": {"type": "string"},
				"stage": {"type": "string", "enum": ["prospecting", "qualified", "proposal", "negotiation", "closed_won", "closed_lost"]},
				"amount": {"type": "number", "minimum": 0},
				"account_id": {"type": "string"},
				"fields": {"type": "object", "additionalProperties": {"type": "string"}}
			},
			"required": ["id"],
			"additionalProperties": false
		}`),
	}
}

func (t *UpdateRecordTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	return execute(ctx, t.Name(), t.logger, args, t.update)
}

func (t *UpdateRecordTool) update(ctx context.Context, p updateRecordParams) (domain.GroundedResult[domain.RecordFacts], error) {
	facts := domain.RecordFacts{RecordID: p.ID}

	if err := validatePatch(p.RecordPatch); err != nil {
		return grounding.Fail(facts, err), nil
	}
	current, err := t.records.Get(ctx, p.ID)
	if err != nil {
		return grounding.Fail(facts, err), nil
	}
	facts = recordFacts(current, nil)
	if p.Stage != nil && current.Type != domain.RecordOpportunity {
		return grounding.Fail(facts, errors.New("only opportunities have a stage")), nil
	}

	updated, changed, err := t.records.Update(ctx, p.ID, p.RecordPatch)
	if err != nil {
		return grounding.Fail(facts, err), nil
	}
	if len(changed) == 0 {
		return grounding.Fail(recordFacts(updated, nil), errors.New("no field values changed")), nil
	}
	return grounding.Build(domain.OutcomeUpdated, recordFacts(updated, changed), updated), nil
}

// --- delete_record ---

type deleteRecordParams struct {
	ID string `json:"id"`
}

// DeleteRecordTool removes a record.
type DeleteRecordTool struct {
	records domain.RecordStore
	logger  *slog.Logger
}

func NewDeleteRecordTool(records domain.RecordStore, logger *slog.Logger) *DeleteRecordTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeleteRecordTool{records: records, logger: logger}
}

func (t *DeleteRecordTool) Name() string        { return "delete_record" }
func (t *DeleteRecordTool) Description() string { return "Delete a CRM record by id." }

func (t *DeleteRecordTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1}
			},
			"required": ["id"],
			"additionalProperties": false
		}`),
	}
}

func (t *DeleteRecordTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	return execute(ctx, t.Name(), t.logger, args, t.delete)
}

func (t *DeleteRecordTool) delete(ctx context.Context, p deleteRecordParams) (domain.GroundedResult[domain.RecordFacts], error) {
	removed, err := t.records.Delete(ctx, p.ID)
	if err != nil {
		return grounding.Fail(domain.RecordFacts{RecordID: p.ID}, err), nil
	}
	return grounding.Build(domain.OutcomeDeleted, recordFacts(removed, nil), nil), nil
}
