// Package grounding decides what a model may say about a tool execution.
// Enforcement is pure: it depends only on the tool's result.
package grounding

import (
	"encoding/json"
	"slices"
	"strings"

	"crm-copilot/internal/domain"
)

// Surface is the tool-result text shown to the model and the additions it
// may make beyond that text.
type Surface struct {
	Text      string            `json:"text"`
	Additions []domain.Addition `json:"additions"`
	// Verbatim means Text must be relayed unchanged.
	Verbatim bool              `json:"verbatim"`
	Risk     domain.RiskLevel  `json:"risk"`
	Family   domain.ToolFamily `json:"family"`
	Success  bool              `json:"success"`
}

// tierCeilings bound the additions each tier may ever allow, whatever the
// tool author requested.
var tierCeilings = map[domain.RiskLevel][]domain.Addition{
	domain.RiskCritical: {domain.AdditionSuggestions, domain.AdditionContext},
	domain.RiskHigh:     {domain.AdditionSuggestions, domain.AdditionContext},
	domain.RiskMedium:   {domain.AdditionExplanation, domain.AdditionContext},
	domain.RiskLow:      domain.AllAdditions,
}

// effectiveRisk treats an undeclared tier as the strictest one.
func effectiveRisk(r domain.RiskLevel) domain.RiskLevel {
	if !r.Valid() {
		return domain.RiskCritical
	}
	return r
}

// Enforce maps a tool result to the text the model receives.
func Enforce(r *domain.ToolExecutionResult) Surface {
	if r == nil {
		return Surface{
			Text:     Render("tool", domain.OutcomeFailed, nil, "tool returned no result"),
			Verbatim: true,
			Risk:     domain.RiskCritical,
		}
	}

	risk := effectiveRisk(r.RiskLevel)
	s := Surface{
		Risk:      risk,
		Family:    r.Family,
		Success:   r.Success,
		Additions: allowed(r.AllowedAdditions, tierCeilings[risk]),
	}

	if !r.Success {
		// Failures never carry the author's prose, only templated facts.
		s.Text = Render(r.Family, domain.OutcomeFailed, r.Facts, r.Error)
		s.Verbatim = true
		if risk.Strict() {
			s.Additions = allowed(s.Additions, []domain.Addition{domain.AdditionSuggestions})
		}
		return s
	}

	verified := r.VerifiedResponse
	if verified == "" {
		verified = Render(r.Family, r.Outcome, r.Facts, "")
	}

	switch risk {
	case domain.RiskCritical, domain.RiskHigh:
		s.Text = verified
		s.Verbatim = true
	case domain.RiskMedium:
		s.Text = verified + additionsLine(s.Additions)
	default:
		s.Text = verified + referenceData(r.Data) + additionsLine(s.Additions)
	}
	return s
}

// allowed intersects requested with ceiling, in AllAdditions order.
func allowed(requested, ceiling []domain.Addition) []domain.Addition {
	out := []domain.Addition{}
	for _, a := range domain.AllAdditions {
		if slices.Contains(requested, a) && slices.Contains(ceiling, a) {
			out = append(out, a)
		}
	}
	return out
}

func additionsLine(additions []domain.Addition) string {
	if len(additions) == 0 {
		return "\n\nAllowed additions: none"
	}
	names := make([]string, len(additions))
	for i, a := range additions {
		names[i] = string(a)
	}
	return "\n\nAllowed additions: " + strings.Join(names, ", ")
}

func referenceData(data any) string {
	if data == nil {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil || string(raw) == "null" {
		return ""
	}
	return "\n\nReference data:\n" + string(raw)
}

// Instruction is the system guidance that explains the tool-result contract
// to the model. The orchestrator adds it when tools are offered.
const Instruction = `Tool results are the only source of truth about actions.
When a tool result is marked verbatim, repeat it exactly as written, then add only the content categories listed for it, clearly separated.
Never restate, soften or contradict a verified result, and never claim an action happened unless a tool result says so.`
