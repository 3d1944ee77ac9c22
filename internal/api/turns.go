package api

import (
	"net/http"
	"strings"

	"github.com/CVMHW/roger/internal/conversation"
	"github.com/CVMHW/roger/internal/generator"
	"github.com/CVMHW/roger/internal/identity"
)

type turnRequest struct {
	Candidate string `json:"candidate"`
	UserInput string `json:"user_input"`
}

type turnResponse struct {
	Text  string `json:"text"`
	Stage string `json:"stage"`
	Turn  int    `json:"turn"`
	Reset string `json:"reset,omitempty"`
}

// HandleTurn verifies a supplied candidate reply and returns the text to
// deliver.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req turnRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		Error(w, http.StatusBadRequest, "user_input is required")
		return
	}

	sess, err := h.session(r.Context(), userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("Failed to load session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	res := h.turns.Turn(r.Context(), sess, req.Candidate, req.UserInput)
	JSON(w, http.StatusOK, turnResponse{
		Text:  res.Text,
		Stage: string(res.Stage),
		Turn:  res.Turn,
		Reset: string(res.Reset),
	})
}

// HandleGenerate asks the generator for a candidate and verifies it.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		Error(w, http.StatusServiceUnavailable, "generator not configured")
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req turnRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		Error(w, http.StatusBadRequest, "user_input is required")
		return
	}

	sess, err := h.session(r.Context(), userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("Failed to load session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	// An unreachable generator still yields a verified reply: the empty
	// candidate fails validation and a fallback is delivered.
	candidate, err := h.gen.Generate(r.Context(), generator.Request{
		SessionID: sess.ID,
		UserID:    userID,
		UserInput: req.UserInput,
		History:   sess.History(),
		Stage:     sess.Stage(h.now()),
	})
	if err != nil {
		h.logger.Warn("Generator failed, using fallback", "user_id", userID, "session_id", sess.ID, "error", err)
		candidate = ""
	}

	res := h.turns.Turn(r.Context(), sess, candidate, req.UserInput)
	JSON(w, http.StatusOK, turnResponse{
		Text:  res.Text,
		Stage: string(res.Stage),
		Turn:  res.Turn,
		Reset: string(res.Reset),
	})
}

// HandleSession returns the current conversation context and its turn
// audits.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	sess, err := h.session(r.Context(), userID, sessionID)
	if err != nil {
		h.logger.Error("Failed to load session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	audits, err := h.repo.ListAudits(r.Context(), sess.ID)
	if err != nil {
		h.logger.Error("Failed to list audits", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load audits")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"username":   identity.UsernameFromContext(r.Context()),
		"context":    sess.Snapshot(h.now()),
		"audits":     audits,
	})
}

// HandleReset clears the session in memory and in storage.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	if sess := h.sessions.Get(userID, sessionID); sess != nil {
		release := sess.Begin()
		sess.Reset(h.now())
		release()
	}
	h.sessions.Close(userID, sessionID)

	key := conversation.Key(userID, sessionID)
	if err := h.repo.DeleteConversation(r.Context(), key); err != nil {
		h.logger.Error("Failed to delete conversation", "user_id", userID, "session_id", key, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}

	h.logger.Info("Conversation reset by request", "user_id", userID, "session_id", key)
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
