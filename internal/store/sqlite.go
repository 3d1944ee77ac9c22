package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CVMHW/roger/internal/domain"
	"github.com/CVMHW/roger/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS utterances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_utterances_session ON utterances(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_utterances_user ON utterances(user_id, role, id);

	CREATE TABLE IF NOT EXISTS turn_audits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		action TEXT NOT NULL,
		final_action TEXT NOT NULL,
		confidence REAL NOT NULL,
		diagnostics_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_audits_session ON turn_audits(session_id, turn);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// SaveTurn stores a committed turn in one transaction, retrying when the
// database is busy.
func (s *SQLiteStore) SaveTurn(ctx context.Context, conv domain.Conversation, user, agent domain.Utterance, diag domain.Diagnostics) error {
	diagJSON, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	return shared.RetryOnConflict(ctx, "save turn", s.retry, func() error {
		return s.saveTurnOnce(ctx, conv, user, agent, diag, string(diagJSON))
	})
}

func (s *SQLiteStore) saveTurnOnce(ctx context.Context, conv domain.Conversation, user, agent domain.Utterance, diag domain.Diagnostics, diagJSON string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback save turn", "error", rbErr)
			}
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (session_id, user_id, stage, turn_count, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			stage = excluded.stage,
			turn_count = excluded.turn_count,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		conv.SessionID, conv.UserID, string(conv.Stage), conv.TurnCount,
		conv.StartedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	for _, u := range []domain.Utterance{user, agent} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO utterances (session_id, user_id, role, seq, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conv.SessionID, conv.UserID, string(u.Role), u.Seq, u.Text, u.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert utterance: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turn_audits (session_id, user_id, turn, action, final_action, confidence, diagnostics_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.SessionID, conv.UserID, conv.TurnCount,
		string(diag.Action), string(diag.FinalAction), diag.Confidence, diagJSON,
		conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert turn audit: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save turn: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation summary.
func (s *SQLiteStore) GetConversation(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, stage, turn_count, started_at, updated_at
		FROM conversations WHERE session_id = ?`, sessionID)

	var conv domain.Conversation
	var stage string
	var startedAt, updatedAt int64
	err := row.Scan(&conv.SessionID, &conv.UserID, &stage, &conv.TurnCount, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv.Stage = domain.Stage(stage)
	conv.StartedAt = time.UnixMilli(startedAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}

// LoadHistory returns the session's utterances since its last reset.
func (s *SQLiteStore) LoadHistory(ctx context.Context, sessionID string, limit int) ([]domain.Utterance, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.role, u.seq, u.text, u.created_at
		FROM utterances u
		JOIN conversations c ON c.session_id = u.session_id
		WHERE u.session_id = ? AND u.created_at >= c.started_at
		ORDER BY u.id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var out []domain.Utterance
	for rows.Next() {
		var u domain.Utterance
		var role string
		var createdAt int64
		if err := rows.Scan(&role, &u.Seq, &u.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan utterance row: %w", err)
		}
		u.Role = domain.Role(role)
		u.Timestamp = time.UnixMilli(createdAt)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// LoadMemory returns recent user utterances from the user's other sessions.
func (s *SQLiteStore) LoadMemory(ctx context.Context, userID, excludeSessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT text FROM utterances
		WHERE user_id = ? AND role = ? AND session_id <> ?
		ORDER BY id DESC
		LIMIT ?`, userID, string(domain.RoleUser), excludeSessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close memory rows", "error", closeErr)
		}
	}()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory: %w", err)
	}
	return out, nil
}

// ListAudits returns a session's turn audits in turn order.
func (s *SQLiteStore) ListAudits(ctx context.Context, sessionID string) ([]domain.TurnAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, turn, diagnostics_json, created_at
		FROM turn_audits WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close audit rows", "error", closeErr)
		}
	}()

	var out []domain.TurnAudit
	for rows.Next() {
		var a domain.TurnAudit
		var diagJSON string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UserID, &a.Turn, &diagJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if err := json.Unmarshal([]byte(diagJSON), &a.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode audit %d diagnostics: %w", a.ID, err)
		}
		a.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audits: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a session and everything recorded for it.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, sessionID string) error {
	return shared.RetryOnConflict(ctx, "delete conversation", s.retry, func() error {
		return s.deleteSessions(ctx, `session_id = ?`, sessionID)
	})
}

// CleanupExpiredConversations removes conversations idle longer than
// retention along with their utterances and audits.
func (s *SQLiteStore) CleanupExpiredConversations(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	var deleted int64
	err := shared.RetryOnConflict(ctx, "cleanup expired conversations", s.retry, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete expired conversations: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		for _, table := range []string{"utterances", "turn_audits"} {
			q := `DELETE FROM ` + table + ` WHERE session_id NOT IN (SELECT session_id FROM conversations)`
			if _, err := s.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("delete orphaned %s: %w", table, err)
			}
		}
		return nil
	})
	return deleted, err
}

func (s *SQLiteStore) deleteSessions(ctx context.Context, where string, args ...any) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to rollback delete", "error", rbErr)
			}
		}
	}()
	for _, table := range []string{"turn_audits", "utterances", "conversations"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
