package grounding

import (
	"strings"

	"crm-copilot/internal/domain"
)

// Violation is a strict surface the final answer failed to honor.
type Violation struct {
	Surface Surface
	// Missing are verified fact values absent from the answer.
	Missing []string
	// Contradicted is set when the answer claims success for a failed action.
	Contradicted bool
}

// successClaims are phrases that assert a side effect happened.
var successClaims = map[domain.ToolFamily][]string{
	domain.FamilyEmail:   {"email sent", "sent successfully", "has been sent", "was sent"},
	domain.FamilyMeeting: {"meeting scheduled", "has been scheduled", "was scheduled", "invites sent"},
	domain.FamilyRecord:  {"record created", "record updated", "record deleted", "has been updated", "has been deleted", "was deleted", "was updated"},
}

// Violations checks a model's final answer against the strict surfaces of a
// run. It is a heuristic for monitoring and never changes the answer.
func Violations(answer string, surfaces []Surface) []Violation {
	lower := strings.ToLower(answer)
	var out []Violation
	for _, s := range surfaces {
		if !s.Risk.Strict() {
			continue
		}

		v := Violation{Surface: s}
		if s.Success {
			for _, value := range factValues(s.Text) {
				if !strings.Contains(lower, strings.ToLower(value)) {
					v.Missing = append(v.Missing, value)
				}
			}
		} else {
			for _, claim := range successClaims[s.Family] {
				if strings.Contains(lower, claim) && !negated(lower, claim) {
					v.Contradicted = true
					break
				}
			}
		}

		if len(v.Missing) > 0 || v.Contradicted {
			out = append(out, v)
		}
	}
	return out
}

// factValues extracts the values of "• Label: value" lines; list values are
// split and quotes dropped.
func factValues(text string) []string {
	var values []string
	for line := range strings.SplitSeq(text, "\n") {
		rest, ok := strings.CutPrefix(line, "• ")
		if !ok {
			continue
		}
		_, value, ok := strings.Cut(rest, ": ")
		if !ok {
			continue
		}
		for part := range strings.SplitSeq(value, ", ") {
			part = strings.Trim(strings.TrimSpace(part), `"`)
			if part != "" {
				values = append(values, part)
			}
		}
	}
	return values
}

// negated reports whether every occurrence of claim is preceded by "not".
func negated(lower, claim string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], claim)
		if i < 0 {
			return true
		}
		start := idx + i
		prefix := strings.TrimSpace(lower[max(0, start-12):start])
		if !strings.HasSuffix(prefix, "not") && !strings.HasSuffix(prefix, "n't") {
			return false
		}
		idx = start + len(claim)
	}
}
