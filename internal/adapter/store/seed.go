package store

import (
	"context"
	"fmt"

	"crm-copilot/internal/domain"
)

// demoRecords is the sample book of business loaded into an empty store.
// Ids are fixed so prompts and tests can refer to them.
var demoRecords = []domain.Record{
	{ID: "acc-acme", Type: domain.RecordAccount, Name: "Acme Corp", Fields: map[string]string{"industry": "manufacturing"}},
	{ID: "acc-globex", Type: domain.RecordAccount, Name: "Globex", Fields: map[string]string{"industry": "energy"}},
	{ID: "acc-initech", Type: domain.RecordAccount, Name: "Initech", Fields: map[string]string{"industry": "software"}},

	{ID: "con-jane", Type: domain.RecordContact, Name: "Jane Doe", Email: "jane@acme.example", AccountID: "acc-acme"},
	{ID: "con-bob", Type: domain.RecordContact, Name: "Bob Stone", Email: "bob@globex.example", AccountID: "acc-globex"},
	{ID: "con-peter", Type: domain.RecordContact, Name: "Peter Gibbons", AccountID: "acc-initech"},

	{ID: "opp-acme-renewal", Type: domain.RecordOpportunity, Name: "Acme renewal", Stage: domain.StageNegotiation, Amount: 48000, AccountID: "acc-acme"},
	{ID: "opp-acme-expansion", Type: domain.RecordOpportunity, Name: "Acme expansion", Stage: domain.StageProposal, Amount: 120000, AccountID: "acc-acme"},
	{ID: "opp-globex-pilot", Type: domain.RecordOpportunity, Name: "Globex pilot", Stage: domain.StageQualified, Amount: 15000, AccountID: "acc-globex"},
	{ID: "opp-globex-rollout", Type: domain.RecordOpportunity, Name: "Globex rollout", Stage: domain.StageClosedWon, Amount: 90000, AccountID: "acc-globex"},
	{ID: "opp-initech-migration", Type: domain.RecordOpportunity, Name: "Initech migration", Stage: domain.StageClosedLost, Amount: 30000, AccountID: "acc-initech"},
	{ID: "opp-initech-support", Type: domain.RecordOpportunity, Name: "Initech support", Stage: domain.StageProspecting, Amount: 8000, AccountID: "acc-initech"},
}

// Seed loads the demo records when the store holds no records yet. It
// reports how many records were inserted.
func Seed(ctx context.Context, s domain.RecordStore) (int, error) {
	_, total, err := s.Search(ctx, domain.RecordQuery{Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}
	if total > 0 {
		return 0, nil
	}
	for _, r := range demoRecords {
		if err := s.Create(ctx, &r); err != nil {
			return 0, fmt.Errorf("seed %s: %w", r.ID, err)
		}
	}
	return len(demoRecords), nil
}
