package grounding

import (
	"fmt"
	"strconv"
	"strings"

	"crm-copilot/internal/domain"
)

// renderFunc renders a verified statement from facts and an optional error.
type renderFunc func(facts domain.Facts, errMsg string) string

type templateKey struct {
	family  domain.ToolFamily
	outcome domain.Outcome
}

// templates is filled once by init and read-only afterwards.
var templates = map[templateKey]renderFunc{}

// register adds a statically typed template. Facts stored by pointer are
// accepted too.
func register[F domain.Facts](family domain.ToolFamily, outcome domain.Outcome, fn func(F, string) string) {
	key := templateKey{family, outcome}
	if _, dup := templates[key]; dup {
		panic(fmt.Sprintf("grounding: duplicate template %s/%s", family, outcome))
	}
	templates[key] = func(facts domain.Facts, errMsg string) string {
		switch f := any(facts).(type) {
		case F:
			return fn(f, errMsg)
		case *F:
			if f != nil {
				return fn(*f, errMsg)
			}
		}
		var zero F
		return fn(zero, errMsg)
	}
}

// HasTemplate reports whether a dedicated template exists for the pair.
func HasTemplate(family domain.ToolFamily, outcome domain.Outcome) bool {
	_, ok := templates[templateKey{family, outcome}]
	return ok
}

// Render produces the verified text for a (family, outcome) pair. Pairs
// without a dedicated template use a generic statement.
func Render(family domain.ToolFamily, outcome domain.Outcome, facts domain.Facts, errMsg string) string {
	if fn, ok := templates[templateKey{family, outcome}]; ok {
		return fn(facts, errMsg)
	}
	return renderGeneric(family, outcome, errMsg)
}

func renderGeneric(family domain.ToolFamily, outcome domain.Outcome, errMsg string) string {
	var b block
	if outcome == domain.OutcomeFailed {
		b.head(fmt.Sprintf("The %s action failed.", family))
		b.item("Error", errMsg)
		return b.String()
	}
	b.head(fmt.Sprintf("The %s action completed.", family))
	b.item("Outcome", string(outcome))
	return b.String()
}

// block builds a headline followed by "• Label: value" lines. Empty values
// are left out so nothing unverified is implied.
type block struct {
	sb strings.Builder
}

func (b *block) head(s string) { b.sb.WriteString(s) }

func (b *block) item(label, value string) {
	if value == "" {
		return
	}
	b.sb.WriteString("\n• ")
	b.sb.WriteString(label)
	b.sb.WriteString(": ")
	b.sb.WriteString(value)
}

func (b *block) list(label string, values []string) {
	b.item(label, strings.Join(values, ", "))
}

func (b *block) String() string { return b.sb.String() }

func quoted(s string) string {
	if s == "" {
		return ""
	}
	return strconv.Quote(s)
}

func when(start, end string) string {
	if end == "" {
		return start
	}
	return start + " to " + end
}

func init() {
	// email
	register(domain.FamilyEmail, domain.OutcomeSent, func(f domain.EmailFacts, _ string) string {
		var b block
		b.head("Email sent successfully.")
		b.list("To", f.Recipients)
		b.item("Subject", quoted(f.Subject))
		b.item("Status", f.DeliveryStatus)
		return b.String()
	})
	register(domain.FamilyEmail, domain.OutcomePartiallySent, func(f domain.EmailFacts, _ string) string {
		var b block
		b.head("Email sent to some recipients only.")
		b.list("Delivered to", f.Recipients)
		b.list("Not delivered to", f.FailedRecipients)
		b.item("Subject", quoted(f.Subject))
		b.item("Status", f.DeliveryStatus)
		return b.String()
	})
	register(domain.FamilyEmail, domain.OutcomeFailed, func(f domain.EmailFacts, errMsg string) string {
		var b block
		b.head("Email was not sent.")
		b.list("To", append(append([]string(nil), f.Recipients...), f.FailedRecipients...))
		b.item("Subject", quoted(f.Subject))
		b.item("Error", errMsg)
		return b.String()
	})

	// meeting
	register(domain.FamilyMeeting, domain.OutcomeInvitesSent, func(f domain.MeetingFacts, _ string) string {
		var b block
		b.head("Meeting scheduled and invites sent.")
		b.item("Title", quoted(f.Title))
		b.item("When", when(f.Start, f.End))
		b.list("Invited", f.Invited)
		b.list("No email on file", f.MissingEmail)
		return b.String()
	})
	register(domain.FamilyMeeting, domain.OutcomeNoAttendeeEmails, func(f domain.MeetingFacts, _ string) string {
		var b block
		b.head("Meeting scheduled, but no invites were sent because no attendee has an email address on file.")
		b.item("Title", quoted(f.Title))
		b.item("When", when(f.Start, f.End))
		b.list("No email on file", f.MissingEmail)
		return b.String()
	})
	register(domain.FamilyMeeting, domain.OutcomeFailed, func(f domain.MeetingFacts, errMsg string) string {
		var b block
		b.head("Meeting was not scheduled.")
		b.item("Title", quoted(f.Title))
		b.item("When", when(f.Start, f.End))
		b.item("Error", errMsg)
		return b.String()
	})

	// record
	recordLines := func(b *block, f domain.RecordFacts) {
		b.item("Type", f.RecordType)
		b.item("ID", f.RecordID)
		b.item("Name", quoted(f.RecordName))
	}
	register(domain.FamilyRecord, domain.OutcomeCreated, func(f domain.RecordFacts, _ string) string {
		var b block
		b.head("Record created.")
		recordLines(&b, f)
		b.list("Fields set", f.ChangedFields)
		return b.String()
	})
	register(domain.FamilyRecord, domain.OutcomeUpdated, func(f domain.RecordFacts, _ string) string {
		var b block
		b.head("Record updated.")
		recordLines(&b, f)
		b.list("Changed fields", f.ChangedFields)
		return b.String()
	})
	register(domain.FamilyRecord, domain.OutcomeDeleted, func(f domain.RecordFacts, _ string) string {
		var b block
		b.head("Record deleted.")
		recordLines(&b, f)
		return b.String()
	})
	register(domain.FamilyRecord, domain.OutcomeFailed, func(f domain.RecordFacts, errMsg string) string {
		var b block
		b.head("Record was not changed.")
		recordLines(&b, f)
		b.item("Error", errMsg)
		return b.String()
	})

	// analysis
	register(domain.FamilyAnalysis, domain.OutcomeCompleted, func(f domain.AnalysisFacts, _ string) string {
		var b block
		b.head(fmt.Sprintf("Analysis of %s complete (%d records).", f.Subject, f.SampleSize))
		for _, m := range f.Metrics {
			b.item(m.Name, m.Value)
		}
		return b.String()
	})
	register(domain.FamilyAnalysis, domain.OutcomeInsufficientData, func(f domain.AnalysisFacts, _ string) string {
		return fmt.Sprintf("Not enough data to analyze %s (%d records).", f.Subject, f.SampleSize)
	})
	register(domain.FamilyAnalysis, domain.OutcomeFailed, func(f domain.AnalysisFacts, errMsg string) string {
		var b block
		b.head(fmt.Sprintf("Analysis of %s failed.", f.Subject))
		b.item("Error", errMsg)
		return b.String()
	})

	// retrieval
	register(domain.FamilyRetrieval, domain.OutcomeFound, func(f domain.RetrievalFacts, _ string) string {
		noun := "records"
		if f.RecordType != "" {
			noun = f.RecordType + " records"
		}
		return fmt.Sprintf("Found %d of %d %s matching %q.", f.Returned, f.Total, noun, f.Query)
	})
	register(domain.FamilyRetrieval, domain.OutcomeEmpty, func(f domain.RetrievalFacts, _ string) string {
		noun := "records"
		if f.RecordType != "" {
			noun = f.RecordType + " records"
		}
		return fmt.Sprintf("No %s match %q.", noun, f.Query)
	})
	register(domain.FamilyRetrieval, domain.OutcomeFailed, func(f domain.RetrievalFacts, errMsg string) string {
		var b block
		b.head(fmt.Sprintf("Search for %q failed.", f.Query))
		b.item("Error", errMsg)
		return b.String()
	})
}
