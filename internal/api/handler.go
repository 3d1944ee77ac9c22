// Package api provides HTTP handlers for the Roger API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CVMHW/roger/internal/conversation"
	"github.com/CVMHW/roger/internal/generator"
	"github.com/CVMHW/roger/internal/pipeline"
	"github.com/CVMHW/roger/internal/store"
)

// maxBodyBytes bounds turn request bodies.
const maxBodyBytes = 64 << 10

// Turner runs one verified turn for a session.
type Turner interface {
	Turn(ctx context.Context, sess *conversation.Session, candidate, userInput string) pipeline.Result
}

// Generator produces candidate replies.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) (string, error)
}

var (
	_ Turner    = (*pipeline.Orchestrator)(nil)
	_ Generator = (*generator.Client)(nil)
)

// Handler serves the turn, session and websocket endpoints.
type Handler struct {
	repo         store.Repository
	sessions     *conversation.Manager
	turns        Turner
	gen          Generator
	historyLimit int
	devMode      bool
	origins      []string
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithGenerator enables POST /api/turns/generate.
func WithGenerator(g Generator) Option {
	return func(h *Handler) { h.gen = g }
}

// WithHistoryLimit bounds how many utterances are restored from storage when
// a session is first seen after a restart.
func WithHistoryLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// WithDevMode disables websocket origin checks.
func WithDevMode(dev bool) Option {
	return func(h *Handler) { h.devMode = dev }
}

// WithOrigins sets the cross-origin host patterns websocket upgrades accept.
func WithOrigins(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, sessions *conversation.Manager, turns Turner, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		repo:         repo,
		sessions:     sessions,
		turns:        turns,
		historyLimit: conversation.DefaultHistoryCapacity,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the API and websocket routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/turns", h.HandleTurn)
		r.Post("/turns/generate", h.HandleGenerate)
		r.Get("/session", h.HandleSession)
		r.Post("/session/reset", h.HandleReset)
	})
	r.Get("/ws/turns", h.ServeWS)
}

// session returns the live session for the user, restoring it from storage
// the first time it is seen by this process.
func (h *Handler) session(ctx context.Context, userID, sessionID string) (*conversation.Session, error) {
	sess, created := h.sessions.GetOrCreate(userID, sessionID)
	if !created {
		return sess, nil
	}

	conv, err := h.repo.GetConversation(ctx, sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		return sess, nil
	}
	if err != nil {
		h.sessions.Close(userID, sessionID)
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	history, err := h.repo.LoadHistory(ctx, sess.ID, h.historyLimit)
	if err != nil {
		h.sessions.Close(userID, sessionID)
		return nil, fmt.Errorf("load history: %w", err)
	}
	sess.Restore(history, conv.TurnCount, conv.StartedAt, conv.UpdatedAt)
	h.logger.Info("Conversation restored", "user_id", userID, "session_id", sess.ID, "turns", conv.TurnCount, "utterances", len(history))
	return sess, nil
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
