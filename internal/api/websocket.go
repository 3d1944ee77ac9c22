package api

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/CVMHW/roger/internal/identity"
)

type wsReply struct {
	Text  string `json:"text,omitempty"`
	Turn  int    `json:"turn,omitempty"`
	Stage string `json:"stage,omitempty"`
	Error string `json:"error,omitempty"`
}

// ServeWS runs turns over a websocket. Each text frame
// {"candidate","user_input"} is answered with {"text","turn"}. Frames are
// processed in order, one at a time.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	sess, err := h.session(ctx, userID, sessionID)
	if err != nil {
		h.logger.Error("Failed to load session", "user_id", userID, "error", err)
		_ = wsjson.Write(ctx, ws, wsReply{Error: "failed to load session"})
		return
	}
	h.logger.Info("WebSocket turn stream opened", "user_id", userID, "session_id", sess.ID)

	for {
		var req turnRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		reply := wsReply{}
		if strings.TrimSpace(req.UserInput) == "" {
			reply.Error = "user_input is required"
		} else {
			res := h.turns.Turn(ctx, sess, req.Candidate, req.UserInput)
			reply = wsReply{Text: res.Text, Turn: res.Turn, Stage: string(res.Stage)}
		}
		if err := wsjson.Write(ctx, ws, reply); err != nil {
			h.logger.Warn("WebSocket write error", "error", err, "user_id", userID)
			return
		}
	}
}
