package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/CVMHW/roger/internal/conversation"
	"github.com/CVMHW/roger/internal/domain"
)

// DefaultMemoryLimit bounds the memory snippets loaded per turn.
const DefaultMemoryLimit = 20

// TurnRecorder persists a committed turn.
type TurnRecorder interface {
	SaveTurn(ctx context.Context, conv domain.Conversation, user, agent domain.Utterance, diag domain.Diagnostics) error
}

// MemorySource supplies snippets from a user's earlier sessions.
type MemorySource interface {
	LoadMemory(ctx context.Context, userID, excludeSessionID string, limit int) ([]string, error)
}

// Result is the outcome of an orchestrated turn.
type Result struct {
	Text        string                   `json:"text"`
	Stage       domain.Stage             `json:"stage"`
	Turn        int                      `json:"turn"`
	Reset       conversation.ResetReason `json:"reset,omitempty"`
	Diagnostics domain.Diagnostics       `json:"-"`
}

// Orchestrator owns session state around the pipeline: it serializes turns
// per session, applies reset detection and commits history once per turn.
type Orchestrator struct {
	pipeline    *Pipeline
	recorder    TurnRecorder
	memory      MemorySource
	memoryLimit int
	now         func() time.Time
	logger      *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRecorder persists every committed turn.
func WithRecorder(r TurnRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMemory loads cross-session memory snippets for each turn.
func WithMemory(m MemorySource, limit int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.memory = m
		if limit > 0 {
			o.memoryLimit = limit
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wraps p.
func NewOrchestrator(p *Pipeline, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		pipeline:    p,
		memoryLimit: DefaultMemoryLimit,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Turn runs candidate through the pipeline for sess. The session's turn
// lock is held for the whole call, including any response delay.
func (o *Orchestrator) Turn(ctx context.Context, sess *conversation.Session, candidate, userInput string) Result {
	release := sess.Begin()
	defer release()

	now := o.now()
	reset := sess.DetectReset(userInput, now)
	if reset != conversation.ResetNone {
		o.logger.Info("Conversation reset", "session_id", sess.ID, "user_id", sess.UserID, "reason", reset)
	}

	text, diag := o.pipeline.Run(ctx, Input{
		Candidate: candidate,
		UserInput: userInput,
		History:   sess.History(),
		Memory:    o.loadMemory(ctx, sess),
		Stage:     sess.Stage(now),
	})

	committedAt := o.now()
	user, agent := sess.Commit(userInput, text, committedAt)
	if o.recorder != nil {
		if err := o.recorder.SaveTurn(ctx, sess.Conversation(committedAt), user, agent, diag); err != nil {
			o.logger.Error("Failed to persist turn", "session_id", sess.ID, "user_id", sess.UserID, "error", err)
		}
	}

	return Result{
		Text:        text,
		Stage:       sess.Stage(committedAt),
		Turn:        sess.TurnCount(),
		Reset:       reset,
		Diagnostics: diag,
	}
}

func (o *Orchestrator) loadMemory(ctx context.Context, sess *conversation.Session) []string {
	if o.memory == nil {
		return nil
	}
	snippets, err := o.memory.LoadMemory(ctx, sess.UserID, sess.ID, o.memoryLimit)
	if err != nil {
		o.logger.Warn("Failed to load memory, continuing without", "user_id", sess.UserID, "error", err)
		return nil
	}
	return snippets
}
