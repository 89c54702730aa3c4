package grounding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
)

func TestViolationsVerbatimAnswer(t *testing.T) {
	s := Enforce(sendEmailResult())
	answer := sendEmailVerified + "\n\nYou might also schedule a follow-up call."
	assert.Empty(t, Violations(answer, []Surface{s}))
}

func TestViolationsMissingFacts(t *testing.T) {
	s := Enforce(sendEmailResult())
	got := Violations("Done! I emailed them about Hi.", []Surface{s})
	require.Len(t, got, 1)
	assert.Equal(t, []string{"a@x.com", "sent"}, got[0].Missing)
	assert.False(t, got[0].Contradicted)
}

func TestViolationsContradictedFailure(t *testing.T) {
	failed := Enforce(Fail(domain.EmailFacts{Recipients: []string{"a@x.com"}}, assertErr("bounced")).Erase())

	got := Violations("Great news, the email was sent!", []Surface{failed})
	require.Len(t, got, 1)
	assert.True(t, got[0].Contradicted)

	assert.Empty(t, Violations("The email was not sent because it bounced.", []Surface{failed}))
}

func TestViolationsIgnoresLenientTiers(t *testing.T) {
	low := Enforce(Build(domain.OutcomeFound, domain.RetrievalFacts{Query: "acme", Returned: 1, Total: 1}, nil).Erase())
	assert.Empty(t, Violations("something unrelated", []Surface{low}))
}

func TestFactValues(t *testing.T) {
	got := factValues("Header\n• To: a@x.com, b@x.com\n• Subject: \"Hi\"\nnot a bullet: x")
	assert.Equal(t, []string{"a@x.com", "b@x.com", "Hi"}, got)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
