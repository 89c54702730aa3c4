package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
)

func TestCreateRecord(t *testing.T) {
	s := newSeededStore(t)
	tool := NewCreateRecordTool(s, nil)

	res := run(t, tool, `{"type": "contact", "name": "Ann Lee", "email": "ann@globex.example", "account_id": "acc-globex"}`)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, domain.OutcomeCreated, res.Outcome)
	assert.Equal(t, domain.RiskHigh, res.RiskLevel)
	facts := res.Facts.(domain.RecordFacts)
	assert.Equal(t, []string{"account_id", "email", "name"}, facts.ChangedFields)
	require.NotEmpty(t, facts.RecordID)

	got, err := s.Get(context.Background(), facts.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "ann@globex.example", got.Email)
}

func TestCreateOpportunityDefaultsStage(t *testing.T) {
	s := newSeededStore(t)
	tool := NewCreateRecordTool(s, nil)

	res := run(t, tool, `{"type": "opportunity", "name": "Globex phase 2", "amount": 25000, "account_id": "acc-globex"}`)

	require.True(t, res.Success, res.Error)
	facts := res.Facts.(domain.RecordFacts)
	assert.Equal(t, []string{"account_id", "amount", "name", "stage"}, facts.ChangedFields)
	got, err := s.Get(context.Background(), facts.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageProspecting, got.Stage)
}

func TestCreateRecordRejected(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		errText string
	}{
		{"stage on account", `{"type": "account", "name": "X", "stage": "qualified"}`, "only opportunities have a stage"},
		{"unknown account", `{"type": "contact", "name": "X", "account_id": "acc-missing"}`, "not found"},
		{"bad email", `{"type": "contact", "name": "X", "email": "nope"}`, "invalid email address"},
		{"unknown type", `{"type": "lead", "name": "X"}`, "invalid type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSeededStore(t)
			res := run(t, NewCreateRecordTool(s, nil), tt.args)

			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.errText)
			assert.Contains(t, res.VerifiedResponse, "Record was not changed.")

			_, total, err := s.Search(context.Background(), domain.RecordQuery{})
			require.NoError(t, err)
			assert.Equal(t, 12, total)
		})
	}
}

func TestUpdateRecordVerifiedResponse(t *testing.T) {
	s := newSeededStore(t)
	tool := NewUpdateRecordTool(s, nil)

	res := run(t, tool, `{"id": "opp-acme-renewal", "stage": "closed_won", "amount": 50000}`)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, domain.OutcomeUpdated, res.Outcome)
	assert.Equal(t, "Record updated.\n"+
		"• Type: opportunity\n"+
		"• ID: opp-acme-renewal\n"+
		"• Name: \"Acme renewal\"\n"+
		"• Changed fields: amount, stage", res.VerifiedResponse)
	assert.Equal(t, []domain.Addition{domain.AdditionSuggestions, domain.AdditionContext}, res.AllowedAdditions)

	got, err := s.Get(context.Background(), "opp-acme-renewal")
	require.NoError(t, err)
	assert.Equal(t, domain.StageClosedWon, got.Stage)
	assert.Equal(t, 50000.0, got.Amount)
}

func TestUpdateRecordFailures(t *testing.T) {
	s := newSeededStore(t)
	tool := NewUpdateRecordTool(s, nil)

	missing := run(t, tool, `{"id": "opp-missing", "name": "X"}`)
	assert.False(t, missing.Success)
	assert.Equal(t, "opp-missing", missing.Facts.(domain.RecordFacts).RecordID)

	unchanged := run(t, tool, `{"id": "acc-acme", "name": "Acme Corp"}`)
	assert.False(t, unchanged.Success)
	assert.Equal(t, "no field values changed", unchanged.Error)

	stage := run(t, tool, `{"id": "con-jane", "stage": "qualified"}`)
	assert.False(t, stage.Success)
	assert.Equal(t, "contact", stage.Facts.(domain.RecordFacts).RecordType)
}

func TestDeleteRecord(t *testing.T) {
	s := newSeededStore(t)
	tool := NewDeleteRecordTool(s, nil)

	res := run(t, tool, `{"id": "con-bob"}`)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Record deleted.\n• Type: contact\n• ID: con-bob\n• Name: \"Bob Stone\"", res.VerifiedResponse)
	_, err := s.Get(context.Background(), "con-bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	again := run(t, tool, `{"id": "con-bob"}`)
	assert.False(t, again.Success)
	assert.Equal(t, domain.OutcomeFailed, again.Outcome)
}
