// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users, chats and transcripts.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateChat inserts a new chat.
	CreateChat(ctx context.Context, chat *domain.Chat) error

	// GetChat retrieves a chat by ID. Returns ErrNotFound if absent.
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)

	// ListChats returns a user's chats, most recently updated first.
	ListChats(ctx context.Context, userID string) ([]*domain.Chat, error)

	// DeleteChat removes a chat together with its transcript and session state.
	DeleteChat(ctx context.Context, chatID string) error

	// ListTurns returns a chat's transcript in append order.
	ListTurns(ctx context.Context, chatID string) ([]domain.ConversationTurn, error)

	// AppendTurn appends a turn and assigns its sequence number.
	AppendTurn(ctx context.Context, turn *domain.ConversationTurn) error

	// GetChatSession retrieves persisted controller counters for a chat.
	// Returns nil, nil when none exist.
	GetChatSession(ctx context.Context, chatID string) (*domain.ChatSessionState, error)

	// UpsertChatSession creates or updates controller counters for a chat.
	UpsertChatSession(ctx context.Context, state *domain.ChatSessionState) error

	// DeleteChatSession removes controller counters for a chat.
	DeleteChatSession(ctx context.Context, chatID string) error

	// CleanupExpiredSessions removes chat sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
