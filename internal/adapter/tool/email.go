package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/grounding"
)

// Delivery statuses reported in email facts.
const (
	StatusSent          = "sent"
	StatusPartiallySent = "partially_sent"
	StatusRejected      = "rejected"
	StatusRateLimited   = "rate_limited"
	StatusDeliveryError = "delivery_error"
)

// Outbox accepts outbound email for delivery.
type Outbox interface {
	SaveEmail(ctx context.Context, e domain.SentEmail) error
}

// EmailConfig configures the send_email tool.
type EmailConfig struct {
	// AllowedDomains restricts recipients; empty allows every domain.
	AllowedDomains []string
	// MaxPerHour caps sends; 0 disables the cap.
	MaxPerHour int
}

type sendEmailParams struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// SendEmailTool sends email to addresses or contact records.
type SendEmailTool struct {
	records        domain.RecordStore
	outbox         Outbox
	limiter        *rate.Limiter
	allowedDomains []string
	logger         *slog.Logger
	now            func() time.Time
}

// NewSendEmailTool creates the send_email tool. Contact ids in "to" are
// resolved through records; accepted mail goes to outbox.
func NewSendEmailTool(records domain.RecordStore, outbox Outbox, cfg EmailConfig, logger *slog.Logger) *SendEmailTool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.MaxPerHour > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.MaxPerHour)), cfg.MaxPerHour)
	}
	domains := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
	}
	return &SendEmailTool{
		records:        records,
		outbox:         outbox,
		limiter:        limiter,
		allowedDomains: domains,
		logger:         logger,
		now:            time.Now,
	}
}

func (t *SendEmailTool) Name() string { return "send_email" }
func (t *SendEmailTool) Description() string {
	return "Send an email. Recipients may be email addresses or contact record ids. " +
		"Report the outcome exactly as returned."
}

func (t *SendEmailTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {
					"type": "array",
					"items": {"type": "string", "minLength": 1},
					"minItems": 1,
					"description": "Email addresses or contact record ids"
				},
				"subject": {"type": "string", "minLength": 1},
				"body": {"type": "string"}
			},
			"required": ["to", "subject", "body"],
			"additionalProperties": false
		}`),
	}
}

func (t *SendEmailTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolExecutionResult, error) {
	return execute(ctx, t.Name(), t.logger, args, t.send)
}

func (t *SendEmailTool) send(ctx context.Context, p sendEmailParams) (domain.GroundedResult[domain.EmailFacts], error) {
	facts := domain.EmailFacts{Subject: p.Subject}

	var rejected []string
	for _, ref := range p.To {
		addr, err := t.resolve(ctx, ref)
		if err != nil {
			t.logger.Debug("recipient rejected", "recipient", ref, "error", err)
			rejected = append(rejected, ref)
			continue
		}
		if !slices.Contains(facts.Recipients, addr) {
			facts.Recipients = append(facts.Recipients, addr)
		}
	}
	facts.FailedRecipients = rejected

	if len(facts.Recipients) == 0 {
		facts.DeliveryStatus = StatusRejected
		return grounding.Fail(facts, errors.New("no deliverable recipients")), nil
	}
	if !t.limiter.Allow() {
		facts.DeliveryStatus = StatusRateLimited
		return grounding.Fail(facts, errors.New("hourly send limit reached")), nil
	}

	msg := domain.SentEmail{
		MessageID:  ulid.Make().String(),
		Recipients: facts.Recipients,
		Subject:    p.Subject,
		Body:       p.Body,
		SentAt:     t.now(),
	}
	if err := t.outbox.SaveEmail(ctx, msg); err != nil {
		facts.DeliveryStatus = StatusDeliveryError
		return grounding.Fail(facts, fmt.Errorf("delivery failed: %w", err)), nil
	}

	facts.EmailSent = true
	facts.MessageID = msg.MessageID
	data := map[string]any{"message_id": msg.MessageID, "sent_at": msg.SentAt.Format(time.RFC3339)}
	if len(rejected) > 0 {
		facts.DeliveryStatus = StatusPartiallySent
		return grounding.Build(domain.OutcomePartiallySent, facts, data), nil
	}
	facts.DeliveryStatus = StatusSent
	return grounding.Build(domain.OutcomeSent, facts, data), nil
}

// resolve turns an address or contact id into an allowed, normalized address.
func (t *SendEmailTool) resolve(ctx context.Context, ref string) (string, error) {
	raw := ref
	if !strings.Contains(ref, "@") {
		addr, err := contactEmail(ctx, t.records, ref)
		if err != nil {
			return "", err
		}
		raw = addr
	}
	addr, err := ValidateEmail(raw)
	if err != nil {
		return "", err
	}
	if len(t.allowedDomains) > 0 && !slices.Contains(t.allowedDomains, emailDomain(addr)) {
		return "", fmt.Errorf("domain %q is not allowed", emailDomain(addr))
	}
	return addr, nil
}

// contactEmail returns the email on file for a record id.
func contactEmail(ctx context.Context, records domain.RecordStore, id string) (string, error) {
	r, err := records.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if r.Email == "" {
		return "", fmt.Errorf("record %q has no email address", id)
	}
	return r.Email, nil
}
