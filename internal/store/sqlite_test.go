package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVMHW/roger/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "roger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func saveTurn(t *testing.T, s *SQLiteStore, sessionID, userID string, turn int, started, at time.Time, userText, agentText string) {
	t.Helper()
	conv := domain.Conversation{
		SessionID: sessionID,
		UserID:    userID,
		Stage:     domain.StageInitial,
		TurnCount: turn,
		StartedAt: started,
		UpdatedAt: at,
	}
	user := domain.Utterance{Role: domain.RoleUser, Text: userText, Seq: 2 * (turn - 1), Timestamp: at}
	agent := domain.Utterance{Role: domain.RoleAgent, Text: agentText, Seq: 2*(turn-1) + 1, Timestamp: at}
	diag := domain.Diagnostics{
		Confidence:    0.8,
		Action:        domain.ActionDelay,
		FinalAction:   domain.ActionDelay,
		FallbackIndex: -1,
		Issues: []domain.Issue{{
			RiskSignal: domain.RiskSignal{Category: domain.CategoryMemoryContinuity, RawScore: 0.8},
			Penalty:    0.18,
		}},
	}
	require.NoError(t, s.SaveTurn(context.Background(), conv, user, agent, diag))
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Unix(time.Now().Unix(), 0)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "u1", Username: "guest", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	later := now.Add(time.Hour)
	require.NoError(t, s.UpdateLastSeen(ctx, "u1", later))

	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "guest", got.Username)
	assert.True(t, got.LastSeenAt.Equal(later))
	assert.NoError(t, s.Ping(ctx))
}

func TestSaveTurnAndLoadHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	saveTurn(t, s, "s1", "u1", 1, start, start.Add(time.Minute), "I can't sleep.", "That sounds exhausting.")
	saveTurn(t, s, "s1", "u1", 2, start, start.Add(2*time.Minute), "It's been weeks.", "How are you coping?")

	conv, err := s.GetConversation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, conv.TurnCount)
	assert.True(t, conv.StartedAt.Equal(start))

	history, err := s.LoadHistory(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "I can't sleep.", history[0].Text)
	assert.Equal(t, domain.RoleAgent, history[3].Role)
	assert.Equal(t, 3, history[3].Seq)

	last, err := s.LoadHistory(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "It's been weeks.", last[0].Text)

	audits, err := s.ListAudits(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, 2, audits[1].Turn)
	assert.Equal(t, domain.ActionDelay, audits[1].Diagnostics.FinalAction)
	require.Len(t, audits[1].Diagnostics.Issues, 1)
	assert.Equal(t, domain.CategoryMemoryContinuity, audits[1].Diagnostics.Issues[0].Category)
}

func TestLoadHistorySkipsUtterancesBeforeReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	saveTurn(t, s, "s1", "u1", 1, start, start.Add(time.Minute), "hello", "hi")
	reset := start.Add(10 * time.Minute)
	saveTurn(t, s, "s1", "u1", 1, reset, reset.Add(time.Second), "start over", "Of course.")

	history, err := s.LoadHistory(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "start over", history[0].Text)
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadMemoryExcludesCurrentSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	saveTurn(t, s, "old", "u1", 1, start, start, "My anxiety improved after walking.", "That's great.")
	saveTurn(t, s, "other-user", "u2", 1, start, start, "I like hiking.", "Nice.")
	saveTurn(t, s, "current", "u1", 1, start, start, "How am I doing?", "Let's see.")

	memory, err := s.LoadMemory(ctx, "u1", "current", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"My anxiety improved after walking."}, memory)

	memory, err = s.LoadMemory(ctx, "u1", "current", 0)
	require.NoError(t, err)
	assert.Empty(t, memory)
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	saveTurn(t, s, "s1", "u1", 1, now, now, "hello", "hi")
	require.NoError(t, s.DeleteConversation(ctx, "s1"))

	_, err := s.GetConversation(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	audits, err := s.ListAudits(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, audits)
	memory, err := s.LoadMemory(ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, memory)
}

func TestCleanupExpiredConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)

	saveTurn(t, s, "stale", "u1", 1, old, old, "hello", "hi")
	saveTurn(t, s, "fresh", "u1", 1, now, now, "hey", "hello")

	deleted, err := s.CleanupExpiredConversations(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetConversation(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	history, err := s.LoadHistory(ctx, "fresh", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	memory, err := s.LoadMemory(ctx, "u1", "fresh", 10)
	require.NoError(t, err)
	assert.Empty(t, memory)
}
