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
	"sync"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/ashureev/dataloop/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes transcript appends so sequence numbers stay dense.
	writeMu sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for concurrent readers during appends.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		dataset_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		results_json TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(chat_id, seq)
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		chat_id TEXT PRIMARY KEY,
		followup_depth INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		fingerprints_json TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);
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

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
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
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
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

// CreateChat inserts a new chat.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	query := `
	INSERT INTO chats (chat_id, user_id, dataset_id, title, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create chat", func() error {
		_, err := s.db.ExecContext(ctx, query,
			chat.ChatID, chat.UserID, chat.DatasetID, chat.Title,
			chat.CreatedAt.Unix(), chat.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		return nil
	})
}

// GetChat retrieves a chat by ID.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	query := `
		SELECT chat_id, user_id, dataset_id, title, created_at, updated_at
		FROM chats WHERE chat_id = ?`

	chat, err := scanChat(s.db.QueryRowContext(ctx, query, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	return chat, nil
}

// ListChats returns a user's chats, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]*domain.Chat, error) {
	query := `
		SELECT chat_id, user_id, dataset_id, title, created_at, updated_at
		FROM chats WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	chats := []*domain.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*domain.Chat, error) {
	var chat domain.Chat
	var createdAt, updatedAt int64
	if err := row.Scan(
		&chat.ChatID, &chat.UserID, &chat.DatasetID, &chat.Title, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	chat.CreatedAt = time.Unix(createdAt, 0)
	chat.UpdatedAt = time.Unix(updatedAt, 0)
	return &chat, nil
}

// DeleteChat removes a chat together with its transcript and session state.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, "delete chat", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete chat: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, q := range []string{
			`DELETE FROM turns WHERE chat_id = ?`,
			`DELETE FROM chat_sessions WHERE chat_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
				return fmt.Errorf("delete chat data: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
		if err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

// ListTurns returns a chat's transcript in append order.
func (s *SQLiteStore) ListTurns(ctx context.Context, chatID string) ([]domain.ConversationTurn, error) {
	query := `
		SELECT turn_id, chat_id, seq, role, kind, content, results_json, created_at
		FROM turns WHERE chat_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var turn domain.ConversationTurn
		var role, kind string
		var resultsJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&turn.ID, &turn.ChatID, &turn.Seq, &role, &kind,
			&turn.Content, &resultsJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = domain.Role(role)
		turn.Kind = domain.TurnKind(kind)
		turn.Timestamp = time.UnixMilli(createdAt)
		if resultsJSON.Valid && resultsJSON.String != "" {
			if err := json.Unmarshal([]byte(resultsJSON.String), &turn.ExecutionResults); err != nil {
				return nil, fmt.Errorf("decode execution results for turn %s: %w", turn.ID, err)
			}
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// AppendTurn appends a turn, assigning the next sequence number for its chat.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *domain.ConversationTurn) error {
	var resultsJSON any
	if len(turn.ExecutionResults) > 0 {
		b, err := json.Marshal(turn.ExecutionResults)
		if err != nil {
			return fmt.Errorf("encode execution results: %w", err)
		}
		resultsJSON = string(b)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, "append turn", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append turn: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE chat_id = ?`, turn.ChatID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("next turn seq: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (turn_id, chat_id, seq, role, kind, content, results_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, turn.ChatID, seq, string(turn.Role), string(turn.Kind),
			turn.Content, resultsJSON, turn.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET updated_at = ? WHERE chat_id = ?`,
			turn.Timestamp.Unix(), turn.ChatID,
		); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append turn: %w", err)
		}
		turn.Seq = seq
		return nil
	})
}

// GetChatSession retrieves persisted controller counters for a chat.
func (s *SQLiteStore) GetChatSession(ctx context.Context, chatID string) (*domain.ChatSessionState, error) {
	query := `
		SELECT chat_id, followup_depth, consecutive_failures, fingerprints_json, updated_at
		FROM chat_sessions WHERE chat_id = ?`

	var state domain.ChatSessionState
	var fingerprintsJSON string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(
		&state.ChatID, &state.FollowupDepth, &state.ConsecutiveFailures,
		&fingerprintsJSON, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}
	if err := json.Unmarshal([]byte(fingerprintsJSON), &state.Fingerprints); err != nil {
		return nil, fmt.Errorf("decode fingerprints: %w", err)
	}
	state.UpdatedAt = time.Unix(updatedAt, 0)
	return &state, nil
}

// UpsertChatSession creates or updates controller counters for a chat.
func (s *SQLiteStore) UpsertChatSession(ctx context.Context, state *domain.ChatSessionState) error {
	fingerprints := state.Fingerprints
	if fingerprints == nil {
		fingerprints = []string{}
	}
	b, err := json.Marshal(fingerprints)
	if err != nil {
		return fmt.Errorf("encode fingerprints: %w", err)
	}

	query := `
		INSERT INTO chat_sessions (chat_id, followup_depth, consecutive_failures, fingerprints_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			followup_depth = excluded.followup_depth,
			consecutive_failures = excluded.consecutive_failures,
			fingerprints_json = excluded.fingerprints_json,
			updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "upsert chat session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			state.ChatID, state.FollowupDepth, state.ConsecutiveFailures,
			string(b), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert chat session: %w", err)
		}
		return nil
	})
}

// DeleteChatSession removes controller counters for a chat.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, chatID string) error {
	return shared.RetryOnConflict(ctx, "delete chat session", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("delete chat session: %w", err)
		}
		return nil
	})
}

// CleanupExpiredSessions removes chat sessions older than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
