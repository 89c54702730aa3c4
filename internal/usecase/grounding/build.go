package grounding

import (
	"crm-copilot/internal/domain"
)

// defaultAdditions is what each tier allows when the author does not say.
var defaultAdditions = map[domain.RiskLevel][]domain.Addition{
	domain.RiskCritical: {domain.AdditionSuggestions},
	domain.RiskHigh:     {domain.AdditionSuggestions, domain.AdditionContext},
	domain.RiskMedium:   {domain.AdditionExplanation},
	domain.RiskLow:      domain.AllAdditions,
}

// Build assembles a grounded result for tool authors. The family and risk
// tier come from the facts type, and the verified response from the
// template table, so neither can drift from what the tool can do.
func Build[F domain.Facts](outcome domain.Outcome, facts F, data any) domain.GroundedResult[F] {
	family := facts.Family()
	risk := family.Risk()
	return domain.GroundedResult[F]{
		Success:          outcome != domain.OutcomeFailed,
		Outcome:          outcome,
		Facts:            facts,
		Data:             data,
		VerifiedResponse: Render(family, outcome, facts, ""),
		AllowedAdditions: append([]domain.Addition(nil), defaultAdditions[risk]...),
		RiskLevel:        risk,
	}
}

// Fail assembles a failed grounded result carrying err's text.
func Fail[F domain.Facts](facts F, err error) domain.GroundedResult[F] {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	family := facts.Family()
	risk := family.Risk()
	additions := []domain.Addition{}
	if !risk.Strict() {
		additions = append(additions, defaultAdditions[risk]...)
	}
	return domain.GroundedResult[F]{
		Success:          false,
		Outcome:          domain.OutcomeFailed,
		Facts:            facts,
		VerifiedResponse: Render(family, domain.OutcomeFailed, facts, msg),
		AllowedAdditions: additions,
		RiskLevel:        risk,
		Error:            msg,
	}
}

// WithAdditions narrows or widens the requested additions; Enforce still
// caps them at the tier ceiling.
func WithAdditions[F domain.Facts](g domain.GroundedResult[F], additions ...domain.Addition) domain.GroundedResult[F] {
	g.AllowedAdditions = append([]domain.Addition{}, additions...)
	return g
}
