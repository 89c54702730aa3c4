package domain

import (
	"context"
	"encoding/json"
	"slices"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// RiskLevel is the grounding tier of a tool. It is fixed by what the tool
// can do, never by what a particular execution did.
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
)

// Strict reports whether the model must surface the verified response verbatim.
func (r RiskLevel) Strict() bool { return r == RiskCritical || r == RiskHigh }

// Valid reports whether r is one of the declared tiers.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskCritical, RiskHigh, RiskMedium, RiskLow:
		return true
	}
	return false
}

// Category classifies a tool family by the kind of effect it has.
type Category string

const (
	CategoryExternalSideEffect Category = "external_side_effect"
	CategoryDataMutation       Category = "data_mutation"
	CategoryInterpretation     Category = "interpretation"
	CategoryRetrieval          Category = "retrieval"
)

// Risk maps a category to its risk tier.
func (c Category) Risk() RiskLevel {
	switch c {
	case CategoryExternalSideEffect:
		return RiskCritical
	case CategoryDataMutation:
		return RiskHigh
	case CategoryInterpretation:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ToolFamily groups tools that share fact records and response templates.
type ToolFamily string

const (
	FamilyEmail     ToolFamily = "email"
	FamilyMeeting   ToolFamily = "meeting"
	FamilyRecord    ToolFamily = "record"
	FamilyAnalysis  ToolFamily = "analysis"
	FamilyRetrieval ToolFamily = "retrieval"
)

// Category returns the effect category of the family.
func (f ToolFamily) Category() Category {
	switch f {
	case FamilyEmail, FamilyMeeting:
		return CategoryExternalSideEffect
	case FamilyRecord:
		return CategoryDataMutation
	case FamilyAnalysis:
		return CategoryInterpretation
	default:
		return CategoryRetrieval
	}
}

// Risk returns the family's fixed risk tier.
func (f ToolFamily) Risk() RiskLevel { return f.Category().Risk() }

// Outcome names the result variant used to pick a response template.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomePartiallySent    Outcome = "partially_sent"
	OutcomeInvitesSent      Outcome = "invites_sent"
	OutcomeNoAttendeeEmails Outcome = "no_attendee_emails"
	OutcomeCreated          Outcome = "created"
	OutcomeUpdated          Outcome = "updated"
	OutcomeDeleted          Outcome = "deleted"
	OutcomeCompleted        Outcome = "completed"
	OutcomeInsufficientData Outcome = "insufficient_data"
	OutcomeFound            Outcome = "found"
	OutcomeEmpty            Outcome = "empty"
	OutcomeFailed           Outcome = "failed"
)

// Addition is a content category the model may add beyond the verified text.
type Addition string

const (
	AdditionSuggestions       Addition = "suggestions"
	AdditionContext           Addition = "context"
	AdditionExplanation       Addition = "explanation"
	AdditionFollowUpQuestions Addition = "follow_up_questions"
)

// AllAdditions lists every addition category in display order.
var AllAdditions = []Addition{
	AdditionSuggestions, AdditionContext, AdditionExplanation, AdditionFollowUpQuestions,
}

// ToolExecutionResult is the contract every tool returns. Facts are the only
// statements the model may make about the action.
type ToolExecutionResult struct {
	Success          bool       `json:"success"`
	Family           ToolFamily `json:"family"`
	Outcome          Outcome    `json:"outcome"`
	Facts            Facts      `json:"facts"`
	Data             any        `json:"data,omitempty"`
	VerifiedResponse string     `json:"verified_response"`
	AllowedAdditions []Addition `json:"allowed_additions"`
	RiskLevel        RiskLevel  `json:"risk_level"`
	Error            string     `json:"error,omitempty"`
}

// Allows reports whether the result permits the given addition.
func (r *ToolExecutionResult) Allows(a Addition) bool {
	return slices.Contains(r.AllowedAdditions, a)
}

// GroundedResult is the statically typed form of ToolExecutionResult that
// tool authors build for a specific fact record.
type GroundedResult[F Facts] struct {
	Success          bool
	Outcome          Outcome
	Facts            F
	Data             any
	VerifiedResponse string
	AllowedAdditions []Addition
	RiskLevel        RiskLevel
	Error            string
}

// Erase converts the typed result into the form the orchestrator consumes.
func (g GroundedResult[F]) Erase() *ToolExecutionResult {
	return &ToolExecutionResult{
		Success:          g.Success,
		Family:           g.Facts.Family(),
		Outcome:          g.Outcome,
		Facts:            g.Facts,
		Data:             g.Data,
		VerifiedResponse: g.VerifiedResponse,
		AllowedAdditions: g.AllowedAdditions,
		RiskLevel:        g.RiskLevel,
		Error:            g.Error,
	}
}

// ToolExecutor abstracts tool lookup and execution.
type ToolExecutor interface {
	// Execute runs the named tool with already-validated JSON arguments.
	Execute(ctx context.Context, name string, args json.RawMessage) (*ToolExecutionResult, error)
	// Schemas returns the function-calling schema of every available tool.
	Schemas() []ToolSchema
}

// ToolExecutorFunc adapts a function to ToolExecutor with a fixed schema list.
type ToolExecutorFunc struct {
	Fn        func(ctx context.Context, name string, args json.RawMessage) (*ToolExecutionResult, error)
	ToolSpecs []ToolSchema
}

func (f ToolExecutorFunc) Execute(ctx context.Context, name string, args json.RawMessage) (*ToolExecutionResult, error) {
	return f.Fn(ctx, name, args)
}

func (f ToolExecutorFunc) Schemas() []ToolSchema { return f.ToolSpecs }
