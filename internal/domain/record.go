package domain

import (
	"context"
	"time"
)

// Record types known to the CRM store.
const (
	RecordAccount     = "account"
	RecordContact     = "contact"
	RecordOpportunity = "opportunity"
)

// Opportunity stages. Closed stages end the pipeline.
const (
	StageProspecting = "prospecting"
	StageQualified   = "qualified"
	StageProposal    = "proposal"
	StageNegotiation = "negotiation"
	StageClosedWon   = "closed_won"
	StageClosedLost  = "closed_lost"
)

// Record is a CRM business record. Amount and Stage are used by
// opportunities only; Email by contacts.
type Record struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Email     string            `json:"email,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Amount    float64           `json:"amount,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RecordPatch lists the fields to change; nil means unchanged.
type RecordPatch struct {
	Name      *string           `json:"name,omitempty"`
	Email     *string           `json:"email,omitempty"`
	Stage     *string           `json:"stage,omitempty"`
	Amount    *float64          `json:"amount,omitempty"`
	AccountID *string           `json:"account_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// RecordQuery filters a record search.
type RecordQuery struct {
	Type  string
	Text  string // case-insensitive match on name and email
	Stage string
	Limit int // 0 = no limit
}

// SentEmail is an outbound message accepted for delivery.
type SentEmail struct {
	MessageID  string    `json:"message_id"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// Meeting is a scheduled calendar event.
type Meeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees"`
	Invited   []string  `json:"invited,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordStore persists CRM records and the side effects of actions on them.
type RecordStore interface {
	Get(ctx context.Context, id string) (*Record, error)
	Create(ctx context.Context, r *Record) error
	// Update applies patch and returns the updated record with the names of
	// the fields whose value changed.
	Update(ctx context.Context, id string, patch RecordPatch) (*Record, []string, error)
	// Delete removes the record and returns it as it was.
	Delete(ctx context.Context, id string) (*Record, error)
	// Search returns at most q.Limit matches and the total match count.
	Search(ctx context.Context, q RecordQuery) ([]Record, int, error)
	SaveEmail(ctx context.Context, e SentEmail) error
	SaveMeeting(ctx context.Context, m Meeting) error
}
