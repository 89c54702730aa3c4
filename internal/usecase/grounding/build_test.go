package grounding

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"crm-copilot/internal/domain"
)

func TestBuildDerivesRiskFromFamily(t *testing.T) {
	tests := []struct {
		facts domain.Facts
		risk  domain.RiskLevel
	}{
		{domain.EmailFacts{}, domain.RiskCritical},
		{domain.MeetingFacts{}, domain.RiskCritical},
		{domain.RecordFacts{}, domain.RiskHigh},
		{domain.AnalysisFacts{}, domain.RiskMedium},
		{domain.RetrievalFacts{}, domain.RiskLow},
	}
	for _, tt := range tests {
		r := Build[domain.Facts](domain.OutcomeCompleted, tt.facts, nil).Erase()
		assert.Equal(t, tt.risk, r.RiskLevel, string(tt.facts.Family()))
		assert.Equal(t, tt.facts.Family(), r.Family)
	}
}

func TestBuildSendEmail(t *testing.T) {
	g := Build(domain.OutcomeSent, domain.EmailFacts{
		EmailSent:      true,
		Recipients:     []string{"a@x.com"},
		DeliveryStatus: "sent",
		Subject:        "Hi",
	}, nil)

	assert.True(t, g.Success)
	assert.Equal(t, domain.RiskCritical, g.RiskLevel)
	assert.Equal(t, sendEmailVerified, g.VerifiedResponse)
	assert.Equal(t, []domain.Addition{domain.AdditionSuggestions}, g.AllowedAdditions)
	assert.Equal(t, []string{"a@x.com"}, g.Facts.Recipients, "facts keep their static type")
}

func TestBuildDefaultsDoNotAlias(t *testing.T) {
	a := Build(domain.OutcomeFound, domain.RetrievalFacts{}, nil)
	a.AllowedAdditions[0] = "mutated"
	b := Build(domain.OutcomeFound, domain.RetrievalFacts{}, nil)
	assert.Equal(t, domain.AdditionSuggestions, b.AllowedAdditions[0])
}

func TestFail(t *testing.T) {
	g := Fail(domain.RecordFacts{RecordType: "lead", RecordID: "01X"}, errors.New("record not found"))
	assert.False(t, g.Success)
	assert.Equal(t, domain.OutcomeFailed, g.Outcome)
	assert.Equal(t, "record not found", g.Error)
	assert.Equal(t, domain.RiskHigh, g.RiskLevel)
	assert.Empty(t, g.AllowedAdditions)
	assert.Contains(t, g.VerifiedResponse, "• Error: record not found")

	low := Fail(domain.RetrievalFacts{Query: "x"}, nil)
	assert.Equal(t, "unknown error", low.Error)
	assert.Equal(t, domain.AllAdditions, low.AllowedAdditions)
}

func TestWithAdditions(t *testing.T) {
	g := WithAdditions(Build(domain.OutcomeDeleted, domain.RecordFacts{}, nil), domain.AdditionContext)
	assert.Equal(t, []domain.Addition{domain.AdditionContext}, g.AllowedAdditions)
}
