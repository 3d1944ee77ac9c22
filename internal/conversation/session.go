// Package conversation tracks per-session history and conversation stage.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/lexicon"
)

// Stage boundaries.
const (
	initialTurns     = 3
	initialDuration  = 2 * time.Minute
	developingTurns  = 10
	developingPeriod = 10 * time.Minute

	// DefaultSessionGap is the idle gap after which a session starts over.
	DefaultSessionGap = 30 * time.Minute
)

// ResetReason explains why DetectReset cleared a session.
type ResetReason string

const (
	ResetNone           ResetReason = ""
	ResetGap            ResetReason = "gap"
	ResetPhrase         ResetReason = "phrase"
	ResetReintroduction ResetReason = "reintroduction"
)

// Options configures a Session.
type Options struct {
	HistoryCapacity int
	SessionGap      time.Duration
	Lexicon         *lexicon.Library
}

// Session is one user's conversation. Turns are serialized with Begin; all
// other methods are safe to call concurrently.
type Session struct {
	ID     string
	UserID string

	history *History
	gap     time.Duration
	lib     *lexicon.Library

	turn sync.Mutex

	mu         sync.RWMutex
	turns      int
	startedAt  time.Time
	lastActive time.Time
}

// Key scopes a client-chosen session ID to its user. Sessions created by a
// Manager use it as their ID, which is also the storage key.
func Key(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// NewSession creates an empty session started at now.
func NewSession(id, userID string, now time.Time, opts Options) *Session {
	if opts.SessionGap <= 0 {
		opts.SessionGap = DefaultSessionGap
	}
	if opts.Lexicon == nil {
		opts.Lexicon = lexicon.MustDefault()
	}
	return &Session{
		ID:         id,
		UserID:     userID,
		history:    NewHistory(opts.HistoryCapacity),
		gap:        opts.SessionGap,
		lib:        opts.Lexicon,
		startedAt:  now,
		lastActive: now,
	}
}

// Begin acquires the session's turn lock and returns its release function.
// Only one turn runs per session at a time.
func (s *Session) Begin() (release func()) {
	s.turn.Lock()
	return s.turn.Unlock
}

// Reset clears history and the turn counter and restarts the session clock.
func (s *Session) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Reset()
	s.turns = 0
	s.startedAt = now
	s.lastActive = now
}

// DetectReset resets the session when the user has been away longer than
// the session gap, asks to start over, or greets and introduces themselves
// again mid-conversation.
func (s *Session) DetectReset(userInput string, now time.Time) ResetReason {
	s.mu.RLock()
	turns, last := s.turns, s.lastActive
	s.mu.RUnlock()

	reason := ResetNone
	switch {
	case turns > 0 && now.Sub(last) > s.gap:
		reason = ResetGap
	case s.hasResetPhrase(userInput):
		reason = ResetPhrase
	case turns > 0 && s.isReintroduction(userInput):
		reason = ResetReintroduction
	}
	if reason != ResetNone {
		s.Reset(now)
	}
	return reason
}

func (s *Session) hasResetPhrase(input string) bool {
	for _, p := range s.lib.Session.ResetPhrases {
		if lexicon.ContainsPhrase(input, p) {
			return true
		}
	}
	return false
}

func (s *Session) isReintroduction(input string) bool {
	in := strings.TrimSpace(input)
	for _, p := range s.lib.Session.Reintroductions {
		if p.MatchString(in) {
			return true
		}
	}
	return false
}

// Stage classifies the session by turn count and elapsed time.
func (s *Session) Stage(now time.Time) domain.Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stageFor(s.turns, now.Sub(s.startedAt))
}

func stageFor(turns int, elapsed time.Duration) domain.Stage {
	switch {
	case turns < initialTurns || elapsed < initialDuration:
		return domain.StageInitial
	case turns < developingTurns || elapsed < developingPeriod:
		return domain.StageDeveloping
	default:
		return domain.StageEstablished
	}
}

// Snapshot returns a read-only view of the session at now.
func (s *Session) Snapshot(now time.Time) domain.ConversationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ConversationContext{
		SessionID:  s.ID,
		UserID:     s.UserID,
		Utterances: s.history.Snapshot(),
		Stage:      stageFor(s.turns, now.Sub(s.startedAt)),
		TurnCount:  s.turns,
		StartedAt:  s.startedAt,
	}
}

// History returns a copy of the stored utterances.
func (s *Session) History() []domain.Utterance {
	return s.history.Snapshot()
}

// Commit appends the user input and the final reply and counts the turn.
// It returns the stored pair.
func (s *Session) Commit(userText, agentText string, now time.Time) (domain.Utterance, domain.Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.history.Append(domain.Utterance{Role: domain.RoleUser, Text: userText, Timestamp: now})
	a := s.history.Append(domain.Utterance{Role: domain.RoleAgent, Text: agentText, Timestamp: now})
	s.turns++
	s.lastActive = now
	return u, a
}

// Restore loads persisted history into an empty session.
func (s *Session) Restore(history []domain.Utterance, turns int, startedAt, lastActive time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Reset()
	for _, u := range history {
		s.history.Append(u)
	}
	s.turns = turns
	s.startedAt = startedAt
	s.lastActive = lastActive
}

// TurnCount returns the number of committed turns.
func (s *Session) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns
}

// LastActive returns when the last turn was committed.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Conversation returns the persisted summary row for the session.
func (s *Session) Conversation(now time.Time) domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.Conversation{
		SessionID: s.ID,
		UserID:    s.UserID,
		Stage:     stageFor(s.turns, now.Sub(s.startedAt)),
		TurnCount: s.turns,
		StartedAt: s.startedAt,
		UpdatedAt: s.lastActive,
	}
}
