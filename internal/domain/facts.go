package domain

// Facts is a tool-family specific record of only-true statements.
type Facts interface {
	Family() ToolFamily
}

// EmailFacts describes an email send attempt.
type EmailFacts struct {
	EmailSent        bool     `json:"email_sent"`
	Recipients       []string `json:"recipients"`
	FailedRecipients []string `json:"failed_recipients,omitempty"`
	DeliveryStatus   string   `json:"delivery_status"`
	Subject          string   `json:"subject"`
	MessageID        string   `json:"message_id,omitempty"`
}

func (EmailFacts) Family() ToolFamily { return FamilyEmail }

// MeetingFacts describes a meeting scheduling attempt.
type MeetingFacts struct {
	Scheduled   bool   `json:"scheduled"`
	EventID     string `json:"event_id,omitempty"`
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	InvitesSent bool   `json:"invites_sent"`
	// Invited are the addresses an invite was delivered to.
	Invited []string `json:"invited,omitempty"`
	// MissingEmail lists attendees that had no email address on file.
	MissingEmail []string `json:"missing_email,omitempty"`
}

func (MeetingFacts) Family() ToolFamily { return FamilyMeeting }

// RecordFacts describes a mutation of a CRM record.
type RecordFacts struct {
	RecordType    string   `json:"record_type"`
	RecordID      string   `json:"record_id"`
	RecordName    string   `json:"record_name,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
}

func (RecordFacts) Family() ToolFamily { return FamilyRecord }

// Metric is a single named value produced by an analysis.
type Metric struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AnalysisFacts describes the output of an interpretation tool.
type AnalysisFacts struct {
	Subject    string   `json:"subject"`
	SampleSize int      `json:"sample_size"`
	Metrics    []Metric `json:"metrics,omitempty"`
}

func (AnalysisFacts) Family() ToolFamily { return FamilyAnalysis }

// RetrievalFacts describes a read-only lookup.
type RetrievalFacts struct {
	Query      string `json:"query"`
	RecordType string `json:"record_type,omitempty"`
	Returned   int    `json:"returned"`
	Total      int    `json:"total"`
}

func (RetrievalFacts) Family() ToolFamily { return FamilyRetrieval }
