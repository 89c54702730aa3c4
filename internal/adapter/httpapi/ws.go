package httpapi

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/delivery"
)

// wsFrame is one server-to-client WebSocket message.
type wsFrame struct {
	Type   string                `json:"type"` // delta, done, error
	Text   string                `json:"text,omitempty"`
	Result *delivery.FinalResult `json:"result,omitempty"`
	Error  *domain.ErrorInfo     `json:"error,omitempty"`
}

type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) WriteDelta(text string) error {
	return wsjson.Write(s.ctx, s.conn, wsFrame{Type: "delta", Text: text})
}

func (s *wsSink) Complete(result *delivery.FinalResult) error {
	return wsjson.Write(s.ctx, s.conn, wsFrame{Type: "done", Result: result})
}

func (s *wsSink) Fail(info domain.ErrorInfo) error {
	return wsjson.Write(s.ctx, s.conn, wsFrame{Type: "error", Error: &info})
}

// handleWebSocket answers one assist request per message on the socket
// until the client closes it.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	sink := &wsSink{ctx: ctx, conn: conn}
	for {
		var body assistRequest
		if err := wsjson.Read(ctx, conn, &body); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		req, err := body.toDelivery()
		if err != nil {
			if werr := sink.Fail(domain.NewErrorInfo(err)); werr != nil {
				return
			}
			continue
		}
		if err := h.deps.Assistant.RunPush(ctx, req, sink); err != nil {
			h.logger.Info("websocket run ended with error", "conversation_id", req.ConversationID, "error", err)
			if ctx.Err() != nil {
				return
			}
		}
	}
}
