// Package api provides HTTP handlers for the dataloop API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/domain"
)

// ChatRepository is the subset of the store the chat handlers need.
type ChatRepository interface {
	CreateChat(ctx context.Context, chat *domain.Chat) error
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
	ListChats(ctx context.Context, userID string) ([]*domain.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	ListTurns(ctx context.Context, chatID string) ([]domain.ConversationTurn, error)
}

// DatasetCatalog lists the datasets chats can be bound to.
type DatasetCatalog interface {
	List() ([]dataset.Info, error)
	Exists(id string) bool
}

// ChatResetter forgets controller state for a deleted chat.
type ChatResetter interface {
	Reset(ctx context.Context, chatID string) error
}

// Approvals answers pending approval requests.
type Approvals interface {
	Pending(userID string) []agent.ApprovalRequest
	Answer(userID, approvalID string, d domain.ApprovalDecision) error
}

// ServerInfo is what GET /api/config reports to the frontend.
type ServerInfo struct {
	ModelProvider   string `json:"model_provider"`
	Model           string `json:"model"`
	Sandbox         string `json:"sandbox"`
	MaxDepth        int    `json:"max_depth"`
	AutoFollowup    bool   `json:"auto_followup"`
	ApprovalTimeout int64  `json:"approval_timeout_seconds"`
}

// Handler provides common handler utilities.
type Handler struct {
	repo      ChatRepository
	datasets  DatasetCatalog
	resetter  ChatResetter
	approvals Approvals
	info      ServerInfo
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo ChatRepository, datasets DatasetCatalog, resetter ChatResetter, approvals Approvals, info ServerInfo) *Handler {
	return &Handler{
		repo:      repo,
		datasets:  datasets,
		resetter:  resetter,
		approvals: approvals,
		info:      info,
	}
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
