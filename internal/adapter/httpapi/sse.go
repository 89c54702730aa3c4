package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/delivery"
)

// sseSink writes a push run as server-sent events:
// "delta" per text fragment, then one "done" or "error".
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported by response writer")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseSink) event(name string, v any) error {
	s.start()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) WriteDelta(text string) error {
	return s.event("delta", map[string]string{"text": text})
}

func (s *sseSink) Complete(result *delivery.FinalResult) error {
	return s.event("done", result)
}

func (s *sseSink) Fail(info domain.ErrorInfo) error {
	return s.event("error", errorResponse{Error: info})
}
