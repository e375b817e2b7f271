package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/approval"
	"github.com/ashureev/dataloop/internal/domain"
	"github.com/ashureev/dataloop/internal/identity"
	"github.com/ashureev/dataloop/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodySize = 1 << 20

const createChatSchemaSrc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["dataset_id"],
	"properties": {
		"dataset_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"title": {"type": "string", "maxLength": 200}
	},
	"additionalProperties": false
}`

var createChatSchema = jsonschema.MustCompileString("create-chat.json", createChatSchemaSrc)

type createChatRequest struct {
	DatasetID string `json:"dataset_id"`
	Title     string `json:"title"`
}

// RegisterRoutes registers chat, dataset, config and approval routes
// (requires identity middleware). Routes are flat because agent.Handler
// registers its own routes under /api/chats/{id} on the same router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/datasets", h.ListDatasets)
	r.Post("/api/chats", h.CreateChat)
	r.Get("/api/chats", h.ListChats)
	r.Get("/api/chats/{id}/turns", h.ListTurns)
	r.Delete("/api/chats/{id}", h.DeleteChat)
	r.Get("/api/approvals", h.ListApprovals)
	r.Post("/api/approvals/{id}", h.AnswerApproval)
}

// GetConfig returns the follow-up policy and providers for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.info)
}

// ListDatasets returns the dataset catalog.
func (h *Handler) ListDatasets(w http.ResponseWriter, _ *http.Request) {
	infos, err := h.datasets.List()
	if err != nil {
		slog.Error("Failed to list datasets", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list datasets")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"datasets": infos})
}

// CreateChat creates a chat bound to a dataset.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	req, err := decodeCreateChat(body)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.datasets.Exists(req.DatasetID) {
		Error(w, http.StatusNotFound, "dataset not found")
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Chat about " + req.DatasetID
	}
	now := time.Now().UTC()
	chat := &domain.Chat{
		ChatID:    uuid.NewString(),
		UserID:    userID,
		DatasetID: req.DatasetID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateChat(r.Context(), chat); err != nil {
		slog.Error("Failed to create chat", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	slog.Info("Chat created", "user_id", userID, "chat_id", chat.ChatID, "dataset_id", chat.DatasetID)
	JSON(w, http.StatusCreated, chat)
}

func decodeCreateChat(body []byte) (createChatRequest, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return createChatRequest{}, errors.New("invalid request body")
	}
	if err := createChatSchema.Validate(raw); err != nil {
		return createChatRequest{}, fmt.Errorf("invalid request: %w", err)
	}
	var req createChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return createChatRequest{}, errors.New("invalid request body")
	}
	return req, nil
}

// ListChats returns the caller's chats, most recent first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	chats, err := h.repo.ListChats(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list chats", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []*domain.Chat{}
	}
	JSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// ListTurns returns a chat's transcript.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.ownedChat(w, r)
	if !ok {
		return
	}
	turns, err := h.repo.ListTurns(r.Context(), chat.ChatID)
	if err != nil {
		slog.Error("Failed to list turns", "error", err, "chat_id", chat.ChatID)
		Error(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	if turns == nil {
		turns = []domain.ConversationTurn{}
	}
	JSON(w, http.StatusOK, map[string]any{"chat": chat, "turns": turns})
}

// DeleteChat removes a chat, its transcript and any live controller state.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.ownedChat(w, r)
	if !ok {
		return
	}

	// Stop any in-flight run before the transcript goes away.
	if h.resetter != nil {
		if err := h.resetter.Reset(r.Context(), chat.ChatID); err != nil {
			slog.Warn("Failed to reset chat session", "error", err, "chat_id", chat.ChatID)
		}
	}
	if err := h.repo.DeleteChat(r.Context(), chat.ChatID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to delete chat", "error", err, "chat_id", chat.ChatID)
		Error(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}

	slog.Info("Chat deleted", "chat_id", chat.ChatID, "user_id", chat.UserID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) ownedChat(w http.ResponseWriter, r *http.Request) (*domain.Chat, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	chatID := chi.URLParam(r, "id")
	chat, err := h.repo.GetChat(r.Context(), chatID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !chat.OwnedBy(userID)) {
		Error(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to get chat", "error", err, "chat_id", chatID)
		Error(w, http.StatusInternalServerError, "failed to get chat")
		return nil, false
	}
	return chat, true
}

// ListApprovals returns the caller's approvals awaiting an answer.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	pending := h.approvals.Pending(userID)
	if pending == nil {
		pending = []agent.ApprovalRequest{}
	}
	JSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

// AnswerApproval resolves a pending approval with the caller's decision.
func (h *Handler) AnswerApproval(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	approvalID := chi.URLParam(r, "id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	answer, err := approval.DecodeAnswer(body)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if answer.ID != "" && answer.ID != approvalID {
		Error(w, http.StatusBadRequest, "approval id mismatch")
		return
	}

	switch err := h.approvals.Answer(userID, approvalID, answer.Decision()); {
	case errors.Is(err, approval.ErrUnknownApproval):
		Error(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, approval.ErrAlreadyAnswered):
		Error(w, http.StatusConflict, "approval already answered")
	case err != nil:
		slog.Error("Failed to answer approval", "error", err, "approval_id", approvalID)
		Error(w, http.StatusInternalServerError, "failed to answer approval")
	default:
		JSON(w, http.StatusOK, map[string]any{"id": approvalID, "approved": answer.Approved})
	}
}
