package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/delivery"
)

const maxBodyBytes = 1 << 20

// Assistant is the delivery surface the handlers call.
// *delivery.Manager satisfies it.
type Assistant interface {
	RunSynchronous(ctx context.Context, req delivery.Request) (*delivery.FinalResult, error)
	RunPush(ctx context.Context, req delivery.Request, sink delivery.Sink) error
	StartPoll(ctx context.Context, req delivery.Request) (string, error)
	Poll(ctx context.Context, requestID string, lastIndex int) (*domain.PollResult, error)
}

// HandlerDeps holds injected dependencies for the handlers.
type HandlerDeps struct {
	Assistant Assistant
	Tools     domain.ToolExecutor // optional, for health and metrics
	Cache     CacheStats          // optional
	Pool      PoolStats           // optional
	Metrics   *Metrics            // nil = fresh counters
	Logger    *slog.Logger
	Version   string
}

// Handler serves the assistant endpoints.
type Handler struct {
	deps    HandlerDeps
	metrics *Metrics
	logger  *slog.Logger
	started time.Time
}

// NewHandler creates the endpoint handlers.
func NewHandler(deps HandlerDeps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Metrics == nil {
		deps.Metrics = &Metrics{}
	}
	return &Handler{deps: deps, metrics: deps.Metrics, logger: deps.Logger, started: time.Now()}
}

// assistRequest is the body of every assist call. Message is a shortcut for
// a single user turn.
type assistRequest struct {
	ConversationID string                   `json:"conversation_id,omitempty"`
	Message        string                   `json:"message,omitempty"`
	Messages       []domain.Message         `json:"messages,omitempty"`
	Options        domain.CompletionOptions `json:"options,omitzero"`
}

func (a assistRequest) toDelivery() (delivery.Request, error) {
	msgs := a.Messages
	if text := strings.TrimSpace(a.Message); text != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: text, Timestamp: time.Now()})
	}
	if len(msgs) == 0 {
		return delivery.Request{}, domain.NewDomainError("httpapi.decode", domain.ErrInvalidInput, "message or messages is required")
	}
	for i, m := range msgs {
		switch m.Role {
		case domain.RoleSystem, domain.RoleUser, domain.RoleAssistant, domain.RoleTool:
		default:
			return delivery.Request{}, domain.NewDomainError("httpapi.decode", domain.ErrInvalidInput,
				fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role))
		}
	}
	return delivery.Request{ConversationID: a.ConversationID, Messages: msgs, Options: a.Options}, nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (delivery.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body assistRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return delivery.Request{}, domain.NewDomainError("httpapi.decode", domain.ErrInvalidInput, "request body too large (max 1MB)")
		}
		return delivery.Request{}, domain.NewDomainError("httpapi.decode", domain.ErrInvalidInput, "invalid JSON: "+err.Error())
	}
	return body.toDelivery()
}

func (h *Handler) handleAssist(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deps.Assistant.RunSynchronous(r.Context(), req)
	if err != nil {
		h.logger.Warn("assist run failed", "conversation_id", req.ConversationID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Assistant.RunPush(r.Context(), req, sink); err != nil {
		h.logger.Info("stream ended with error", "conversation_id", req.ConversationID, "error", err)
	}
}

func (h *Handler) handleStartPoll(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := h.deps.Assistant.StartPoll(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	lastIndex := -1
	if raw := r.URL.Query().Get("last_index"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < -1 {
			writeError(w, domain.NewDomainError("httpapi.poll", domain.ErrInvalidInput, "last_index must be an integer >= -1"))
			return
		}
		lastIndex = n
	}
	res, err := h.deps.Assistant.Poll(r.Context(), r.PathValue("id"), lastIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Tools         int    `json:"tools"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	tools := 0
	if h.deps.Tools != nil {
		tools = len(h.deps.Tools.Schemas())
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       h.deps.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Tools:         tools,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error domain.ErrorInfo `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{Error: domain.NewErrorInfo(err)})
}

// statusOf maps an error code to an HTTP status.
func statusOf(err error) int {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodePoolFull, domain.CodePoolClosed:
		return http.StatusServiceUnavailable
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeAuthInvalid, domain.CodeProviderError, domain.CodeProviderNotFound,
		domain.CodeContentFilter, domain.CodeContextOverflow:
		return http.StatusBadGateway
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
