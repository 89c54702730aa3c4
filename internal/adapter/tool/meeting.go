package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/grounding"
)

const defaultMeetingLength = 30 * time.Minute

// Calendar stores scheduled meetings.
type Calendar interface {
	SaveMeeting(ctx context.Context, m domain.Meeting) error
}

type scheduleMeetingParams struct {
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Attendees []string `json:"attendees"`
}

// ScheduleMeetingTool books a meeting and invites its attendees.
type ScheduleMeetingTool struct {
	records  domain.RecordStore
	calendar Calendar
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduleMeetingTool(records domain.RecordStore, calendar Calendar, logger *slog.Logger) *ScheduleMeetingTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ScheduleMeetingTool{records: records, calendar: calendar, logger: logger, now: time.Now}
}

func (t *ScheduleMeetingTool) Name() string { return "schedule_meeting" }
func (t *ScheduleMeetingTool) Description() string {
	return "Schedule a meeting and send invites. Attendees may be email addresses or contact record ids. " +
		"Times are RFC 3339; end defaults to 30 minutes after start."
}

func (t *ScheduleMeetingTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"start": {"type": "string", "description": "RFC 3339 start time"},
				"end": {"type": "string", "description": "RFC 3339 end time"},
				"attendees": {
					"type": "array",
					"items": {"type": "string", "minLength": 1},
					"minItems": 1
				}
			},
			"required": ["title", "start", "attendees"],
			"additionalProperties": false
		}`),
	}
}

func (t *ScheduleMeetingTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	return execute(ctx, t.Name(), t.logger, args, t.schedule)
}

func (t *ScheduleMeetingTool) schedule(ctx context.Context, p scheduleMeetingParams) (domain.GroundedResult[domain.MeetingFacts], error) {
	facts := domain.MeetingFacts{Title: p.Title, Start: p.Start, End: p.End}

	start, err := time.Parse(time.RFC3339, p.Start)
	if err != nil {
		return grounding.Fail(facts, fmt.Errorf("invalid start time %q", p.Start)), nil
	}
	end := start.Add(defaultMeetingLength)
	if p.End != "" {
		if end, err = time.Parse(time.RFC3339, p.End); err != nil {
			return grounding.Fail(facts, fmt.Errorf("invalid end time %q", p.End)), nil
		}
	}
	facts.Start = start.Format(time.RFC3339)
	facts.End = end.Format(time.RFC3339)
	if !end.After(start) {
		return grounding.Fail(facts, errors.New("end must be after start")), nil
	}

	for _, ref := range p.Attendees {
		if strings.Contains(ref, "@") {
			addr, err := ValidateEmail(ref)
			if err != nil {
				return grounding.Fail(facts, err), nil
			}
			facts.Invited = append(facts.Invited, addr)
			continue
		}
		r, err := t.records.Get(ctx, ref)
		if errors.Is(err, domain.ErrNotFound) {
			return grounding.Fail(facts, fmt.Errorf("attendee %q not found", ref)), nil
		}
		if err != nil {
			return domain.GroundedResult[domain.MeetingFacts]{}, err
		}
		if r.Email == "" {
			facts.MissingEmail = append(facts.MissingEmail, r.Name)
			continue
		}
		facts.Invited = append(facts.Invited, strings.ToLower(r.Email))
	}

	m := domain.Meeting{
		ID:        ulid.Make().String(),
		Title:     p.Title,
		Start:     start,
		End:       end,
		Attendees: p.Attendees,
		Invited:   facts.Invited,
		CreatedAt: t.now(),
	}
	if err := t.calendar.SaveMeeting(ctx, m); err != nil {
		return grounding.Fail(facts, fmt.Errorf("calendar write failed: %w", err)), nil
	}

	facts.Scheduled = true
	facts.EventID = m.ID
	data := map[string]any{"event_id": m.ID}
	if len(facts.Invited) == 0 {
		return grounding.Build(domain.OutcomeNoAttendeeEmails, facts, data), nil
	}
	facts.InvitesSent = true
	return grounding.Build(domain.OutcomeInvitesSent, facts, data), nil
}
