package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFamilyRisk(t *testing.T) {
	assert.Equal(t, RiskCritical, FamilyEmail.Risk())
	assert.Equal(t, RiskCritical, FamilyMeeting.Risk())
	assert.Equal(t, RiskHigh, FamilyRecord.Risk())
	assert.Equal(t, RiskMedium, FamilyAnalysis.Risk())
	assert.Equal(t, RiskLow, FamilyRetrieval.Risk())
	assert.Equal(t, RiskLow, ToolFamily("unknown").Risk())
}

func TestRiskLevelStrict(t *testing.T) {
	assert.True(t, RiskCritical.Strict())
	assert.True(t, RiskHigh.Strict())
	assert.False(t, RiskMedium.Strict())
	assert.False(t, RiskLow.Strict())
	assert.False(t, RiskLevel("SEVERE").Valid())
}

func TestGroundedResultErase(t *testing.T) {
	g := GroundedResult[EmailFacts]{
		Success:          true,
		Outcome:          OutcomeSent,
		Facts:            EmailFacts{EmailSent: true, Recipients: []string{"a@x.com"}},
		VerifiedResponse: "ok",
		AllowedAdditions: []Addition{AdditionSuggestions},
		RiskLevel:        RiskCritical,
	}
	r := g.Erase()
	assert.Equal(t, FamilyEmail, r.Family)
	assert.True(t, r.Allows(AdditionSuggestions))
	assert.False(t, r.Allows(AdditionExplanation))
	assert.Equal(t, g.Facts, r.Facts)
}
