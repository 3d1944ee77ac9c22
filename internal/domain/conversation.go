package domain

import (
	"time"
)

// Role identifies who produced an utterance.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Utterance is a single immutable entry of conversation history.
type Utterance struct {
	Role      Role      `json:"role" yaml:"role"`
	Text      string    `json:"text" yaml:"text"`
	Seq       int       `json:"seq" yaml:"seq"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Stage is the coarse maturity of a conversation.
type Stage string

const (
	StageInitial     Stage = "initial"
	StageDeveloping  Stage = "developing"
	StageEstablished Stage = "established"
)

// ConversationContext is a read-only snapshot of a session.
type ConversationContext struct {
	SessionID  string      `json:"session_id"`
	UserID     string      `json:"user_id"`
	Utterances []Utterance `json:"utterances"`
	Stage      Stage       `json:"stage"`
	TurnCount  int         `json:"turn_count"`
	StartedAt  time.Time   `json:"started_at"`
}

// AgentUtterances returns the agent entries of history, oldest first,
// limited to the last n (all if n <= 0).
func AgentUtterances(history []Utterance, n int) []Utterance {
	out := make([]Utterance, 0, len(history))
	for _, u := range history {
		if u.Role == RoleAgent {
			out = append(out, u)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Conversation is the persisted summary row of a session.
type Conversation struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Stage     Stage     `json:"stage"`
	TurnCount int       `json:"turn_count"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
