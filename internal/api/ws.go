package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// wsFrame is one inbound websocket frame. Frames without a type are chat
// requests.
type wsFrame struct {
	Type string `json:"type,omitempty"`
	ChatRequest
}

// HandleWebSocket handles GET /ws/chat. Each text frame carries one chat
// request and gets exactly one reply frame, in the same shapes as POST
// /api/chat.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("WebSocket accept failed", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.maxBodySize)

	ctx := r.Context()
	remote := clientKey(r, nil)
	h.logger.Info("Chat websocket connected", "client", remote)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "client", remote)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "client", remote)
			}
			return
		}

		if err := h.writeJSON(ctx, ws, h.handleFrame(ctx, r, data)); err != nil {
			h.logger.Warn("WebSocket write failed", "error", err, "client", remote)
			return
		}
	}
}

// handleFrame returns the frame to send back for one inbound frame.
func (h *Handler) handleFrame(ctx context.Context, r *http.Request, data []byte) any {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return map[string]string{"error": "invalid request body"}
	}

	switch frame.Type {
	case "":
	case "ping":
		return map[string]string{"type": "pong"}
	default:
		return map[string]string{"error": "unknown frame type"}
	}

	if !h.allow(clientKey(r, frame.LearnerData)) {
		return map[string]string{"error": "rate limit exceeded"}
	}

	req, err := frame.validate()
	if err != nil {
		return map[string]string{"error": err.Error()}
	}

	reply, failure := h.respond(ctx, req)
	if failure != nil {
		return failure
	}
	return reply
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// OriginPatterns converts allowed origins such as "https://app.example.com"
// into the host patterns websocket.Accept expects.
func OriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
