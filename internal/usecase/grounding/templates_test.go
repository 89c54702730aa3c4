package grounding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crm-copilot/internal/domain"
)

func TestTemplateTableCoversEveryFamily(t *testing.T) {
	pairs := map[domain.ToolFamily][]domain.Outcome{
		domain.FamilyEmail:     {domain.OutcomeSent, domain.OutcomePartiallySent, domain.OutcomeFailed},
		domain.FamilyMeeting:   {domain.OutcomeInvitesSent, domain.OutcomeNoAttendeeEmails, domain.OutcomeFailed},
		domain.FamilyRecord:    {domain.OutcomeCreated, domain.OutcomeUpdated, domain.OutcomeDeleted, domain.OutcomeFailed},
		domain.FamilyAnalysis:  {domain.OutcomeCompleted, domain.OutcomeInsufficientData, domain.OutcomeFailed},
		domain.FamilyRetrieval: {domain.OutcomeFound, domain.OutcomeEmpty, domain.OutcomeFailed},
	}
	for family, outcomes := range pairs {
		for _, o := range outcomes {
			assert.True(t, HasTemplate(family, o), "%s/%s", family, o)
		}
	}
}

func TestRenderTemplates(t *testing.T) {
	tests := []struct {
		name    string
		family  domain.ToolFamily
		outcome domain.Outcome
		facts   domain.Facts
		err     string
		want    string
	}{
		{
			name: "email partially sent", family: domain.FamilyEmail, outcome: domain.OutcomePartiallySent,
			facts: domain.EmailFacts{Recipients: []string{"a@x.com"}, FailedRecipients: []string{"b@y.com"}, Subject: "Hi", DeliveryStatus: "partial"},
			want:  "Email sent to some recipients only.\n• Delivered to: a@x.com\n• Not delivered to: b@y.com\n• Subject: \"Hi\"\n• Status: partial",
		},
		{
			name: "meeting invites sent", family: domain.FamilyMeeting, outcome: domain.OutcomeInvitesSent,
			facts: domain.MeetingFacts{Title: "Kickoff", Start: "2025-03-01T10:00", End: "2025-03-01T11:00", Invited: []string{"a@x.com"}, MissingEmail: []string{"Bob"}},
			want:  "Meeting scheduled and invites sent.\n• Title: \"Kickoff\"\n• When: 2025-03-01T10:00 to 2025-03-01T11:00\n• Invited: a@x.com\n• No email on file: Bob",
		},
		{
			name: "meeting without attendee emails", family: domain.FamilyMeeting, outcome: domain.OutcomeNoAttendeeEmails,
			facts: domain.MeetingFacts{Title: "Kickoff", Start: "2025-03-01T10:00", MissingEmail: []string{"Bob", "Ann"}},
			want:  "Meeting scheduled, but no invites were sent because no attendee has an email address on file.\n• Title: \"Kickoff\"\n• When: 2025-03-01T10:00\n• No email on file: Bob, Ann",
		},
		{
			name: "record updated", family: domain.FamilyRecord, outcome: domain.OutcomeUpdated,
			facts: domain.RecordFacts{RecordType: "opportunity", RecordID: "01H", RecordName: "Acme renewal", ChangedFields: []string{"stage", "amount"}},
			want:  "Record updated.\n• Type: opportunity\n• ID: 01H\n• Name: \"Acme renewal\"\n• Changed fields: stage, amount",
		},
		{
			name: "record failed", family: domain.FamilyRecord, outcome: domain.OutcomeFailed,
			facts: domain.RecordFacts{RecordType: "lead", RecordID: "01X"}, err: "not found",
			want: "Record was not changed.\n• Type: lead\n• ID: 01X\n• Error: not found",
		},
		{
			name: "analysis completed", family: domain.FamilyAnalysis, outcome: domain.OutcomeCompleted,
			facts: domain.AnalysisFacts{Subject: "pipeline", SampleSize: 4, Metrics: []domain.Metric{{Name: "Open value", Value: "1200.00"}}},
			want:  "Analysis of pipeline complete (4 records).\n• Open value: 1200.00",
		},
		{
			name: "analysis insufficient data", family: domain.FamilyAnalysis, outcome: domain.OutcomeInsufficientData,
			facts: domain.AnalysisFacts{Subject: "pipeline", SampleSize: 1},
			want:  "Not enough data to analyze pipeline (1 records).",
		},
		{
			name: "retrieval found", family: domain.FamilyRetrieval, outcome: domain.OutcomeFound,
			facts: domain.RetrievalFacts{Query: "acme", RecordType: "account", Returned: 2, Total: 5},
			want:  "Found 2 of 5 account records matching \"acme\".",
		},
		{
			name: "retrieval empty", family: domain.FamilyRetrieval, outcome: domain.OutcomeEmpty,
			facts: domain.RetrievalFacts{Query: "zzz"},
			want:  "No records match \"zzz\".",
		},
		{
			name: "pointer facts", family: domain.FamilyEmail, outcome: domain.OutcomeSent,
			facts: &domain.EmailFacts{Recipients: []string{"a@x.com"}, Subject: "Hi", DeliveryStatus: "sent"},
			want:  sendEmailVerified,
		},
		{
			name: "unknown pair", family: domain.FamilyEmail, outcome: domain.OutcomeDeleted,
			facts: domain.EmailFacts{},
			want:  "The email action completed.\n• Outcome: deleted",
		},
		{
			name: "unknown failure", family: "billing", outcome: domain.OutcomeFailed, err: "card declined",
			want: "The billing action failed.\n• Error: card declined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.family, tt.outcome, tt.facts, tt.err))
		})
	}
}

func TestRenderWrongFactsTypeOmitsValues(t *testing.T) {
	got := Render(domain.FamilyEmail, domain.OutcomeSent, domain.RecordFacts{RecordID: "x"}, "")
	assert.Equal(t, "Email sent successfully.", got)
}

func TestRenderAcceptsPointerFacts(t *testing.T) {
	facts := domain.EmailFacts{
		EmailSent:      true,
		Recipients:     []string{"jane@acme.com"},
		DeliveryStatus: "sent",
		Subject:        "Renewal",
	}
	want := Render(domain.FamilyEmail, domain.OutcomeSent, facts, "")
	assert.Equal(t, want, Render(domain.FamilyEmail, domain.OutcomeSent, &facts, ""))
	assert.Contains(t, want, "jane@acme.com")

	var missing *domain.EmailFacts
	assert.Equal(t,
		Render(domain.FamilyEmail, domain.OutcomeSent, domain.EmailFacts{}, ""),
		Render(domain.FamilyEmail, domain.OutcomeSent, missing, ""),
	)
}
