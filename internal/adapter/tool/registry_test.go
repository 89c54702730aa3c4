package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
)

type stubTool struct {
	name   string
	schema json.RawMessage
	calls  int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Description: "stub", Parameters: s.schema}
}
func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolExecutionResult, error) {
	s.calls++
	return &domain.ToolExecutionResult{Success: true}, nil
}

const nameSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}},
	"required": ["name"]
}`

func TestRegistryRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubTool{name: "a", schema: json.RawMessage(nameSchema)}))
	assert.Error(t, reg.Register(&stubTool{name: "a", schema: json.RawMessage(nameSchema)}))
}

func TestRegistryRegisterRejectsBadSchema(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(&stubTool{name: "bad", schema: json.RawMessage(`{"type": 12}`)})
	assert.Error(t, err)
	_, err = reg.Get("bad")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Execute(context.Background(), "nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistryExecuteValidatesArguments(t *testing.T) {
	stub := &stubTool{name: "greet", schema: json.RawMessage(nameSchema)}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub))

	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"name": 3}`},
		{"malformed json", `{"name":`},
		{"empty means object", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Execute(context.Background(), "greet", json.RawMessage(tt.args))
			var argErr *domain.ArgumentParseError
			require.True(t, errors.As(err, &argErr), "got %v", err)
			assert.Equal(t, "greet", argErr.Tool)
			assert.ErrorIs(t, err, domain.ErrArgumentParse)
		})
	}
	assert.Zero(t, stub.calls)

	res, err := reg.Execute(context.Background(), "greet", json.RawMessage(`{"name":"jane"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, stub.calls)
}

func TestRegistryNoSchemaSkipsValidation(t *testing.T) {
	stub := &stubTool{name: "free"}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub))

	_, err := reg.Execute(context.Background(), "free", json.RawMessage(`not json`))
	require.NoError(t, err)
	assert.Equal(t, 1, stub.calls)
}

func TestCatalogSchemasSorted(t *testing.T) {
	reg, err := NewCatalog(newSeededStore(t), CatalogConfig{}, nil)
	require.NoError(t, err)

	var names []string
	for _, s := range reg.Schemas() {
		names = append(names, s.Name)
		assert.True(t, json.Valid(s.Parameters), s.Name)
		assert.NotEmpty(t, s.Description, s.Name)
	}
	assert.Equal(t, []string{
		"analyze_pipeline", "create_record", "delete_record", "schedule_meeting",
		"search_records", "send_email", "update_record",
	}, names)
}

func TestCatalogRejectsArgumentsBeforeSideEffects(t *testing.T) {
	s := newSeededStore(t)
	reg, err := NewCatalog(s, CatalogConfig{}, nil)
	require.NoError(t, err)

	_, err = reg.Execute(context.Background(), "send_email", json.RawMessage(`{"to": [], "subject": "Hi", "body": ""}`))
	assert.ErrorIs(t, err, domain.ErrArgumentParse)

	_, err = reg.Execute(context.Background(), "update_record", json.RawMessage(`{"id": "opp-acme-renewal", "stage": "won"}`))
	assert.ErrorIs(t, err, domain.ErrArgumentParse)

	emails, err := s.Emails(context.Background())
	require.NoError(t, err)
	assert.Empty(t, emails)
	r, err := s.Get(context.Background(), "opp-acme-renewal")
	require.NoError(t, err)
	assert.Equal(t, domain.StageNegotiation, r.Stage)
}

func TestCatalogRiskTiers(t *testing.T) {
	reg, err := NewCatalog(newSeededStore(t), CatalogConfig{}, nil)
	require.NoError(t, err)

	tests := []struct {
		tool string
		args string
		risk domain.RiskLevel
	}{
		{"send_email", `{"to": ["a@x.com"], "subject": "Hi", "body": "hello"}`, domain.RiskCritical},
		{"schedule_meeting", `{"title": "Sync", "start": "2026-11-02T15:00:00Z", "attendees": ["con-jane"]}`, domain.RiskCritical},
		{"create_record", `{"type": "account", "name": "Umbrella"}`, domain.RiskHigh},
		{"update_record", `{"id": "acc-acme", "name": "Acme Inc"}`, domain.RiskHigh},
		{"delete_record", `{"id": "con-bob"}`, domain.RiskHigh},
		{"analyze_pipeline", `{}`, domain.RiskMedium},
		{"search_records", `{"query": "globex"}`, domain.RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res, err := reg.Execute(context.Background(), tt.tool, json.RawMessage(tt.args))
			require.NoError(t, err)
			assert.True(t, res.Success, res.Error)
			assert.Equal(t, tt.risk, res.RiskLevel)
		})
	}
}
