// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/CVMHW/roger/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users, conversations and
// turn audits.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when
	// the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SaveTurn stores one committed turn: the conversation summary, the
	// user and agent utterances and the turn's diagnostics, atomically.
	SaveTurn(ctx context.Context, conv domain.Conversation, user, agent domain.Utterance, diag domain.Diagnostics) error

	// GetConversation retrieves a conversation summary. It returns
	// ErrNotFound when the session has never been persisted.
	GetConversation(ctx context.Context, sessionID string) (*domain.Conversation, error)

	// LoadHistory returns up to limit of the session's most recent
	// utterances since its last reset, oldest first.
	LoadHistory(ctx context.Context, sessionID string, limit int) ([]domain.Utterance, error)

	// LoadMemory returns up to limit recent user utterances from the user's
	// other sessions, newest first.
	LoadMemory(ctx context.Context, userID, excludeSessionID string, limit int) ([]string, error)

	// ListAudits returns a session's turn audits in turn order.
	ListAudits(ctx context.Context, sessionID string) ([]domain.TurnAudit, error)

	// DeleteConversation removes a session and everything recorded for it.
	DeleteConversation(ctx context.Context, sessionID string) error

	// CleanupExpiredConversations removes conversations idle longer than
	// retention.
	CleanupExpiredConversations(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
