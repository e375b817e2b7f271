// Package domain contains core domain types for the dataloop service.
package domain

import (
	"time"
)

// User represents an anonymous per-device user of the system.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Chat is one conversation bound to a dataset.
type Chat struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	DatasetID string    `json:"dataset_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnedBy reports whether the chat belongs to userID.
func (c *Chat) OwnedBy(userID string) bool {
	return c != nil && c.UserID == userID
}
