package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/domain"
	"github.com/ashureev/dataloop/internal/store"
)

// ErrChatNotFound is returned when a chat does not exist or belongs to someone else.
var ErrChatNotFound = errors.New("chat not found")

// ChatLookup resolves chats for ownership checks.
type ChatLookup interface {
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
}

// DatasetOpener opens the dataset a chat is bound to.
type DatasetOpener interface {
	Open(ctx context.Context, id string) (dataset.Handle, error)
}

// ChatCleanup releases per-chat resources outside the controller, such as a
// sandbox container.
type ChatCleanup func(ctx context.Context, chatID string)

// ServiceDeps are the collaborators of a Service.
type ServiceDeps struct {
	Controller *Controller
	Chats      ChatLookup
	Datasets   DatasetOpener
	Log        ConversationLogger
	// OnReset runs after a chat's session is evicted.
	OnReset ChatCleanup
	Logger  *slog.Logger
}

// Service binds controller runs to chats, datasets and conversation logging.
type Service struct {
	controller *Controller
	chats      ChatLookup
	datasets   DatasetOpener
	log        ConversationLogger
	onReset    ChatCleanup
	logger     *slog.Logger
}

// SendRequest is one user message to a chat.
type SendRequest struct {
	ChatID    string
	UserID    string
	SessionID string
	Message   string
	// Approver overrides the controller's default approval channel.
	Approver Approver
	// Wait queues behind a run already in flight instead of failing with ErrChatBusy.
	Wait bool
}

// NewService creates a Service.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Controller == nil {
		return nil, errors.New("service requires a controller")
	}
	if deps.Chats == nil || deps.Datasets == nil {
		return nil, errors.New("service requires chat and dataset lookups")
	}
	if deps.Log == nil {
		deps.Log = noopConversationLogger{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		controller: deps.Controller,
		chats:      deps.Chats,
		datasets:   deps.Datasets,
		log:        deps.Log,
		onReset:    deps.OnReset,
		logger:     deps.Logger,
	}, nil
}

// Chat returns the chat if userID owns it.
func (s *Service) Chat(ctx context.Context, userID, chatID string) (*domain.Chat, error) {
	chat, err := s.chats.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !chat.OwnedBy(userID)) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return chat, nil
}

// Send runs one user message through the controller.
func (s *Service) Send(ctx context.Context, req SendRequest, sink EventSink) (Outcome, error) {
	chat, err := s.Chat(ctx, req.UserID, req.ChatID)
	if err != nil {
		return Outcome{}, err
	}

	var ds dataset.Handle
	if chat.DatasetID != "" {
		ds, err = s.datasets.Open(ctx, chat.DatasetID)
		if err != nil {
			return Outcome{}, fmt.Errorf("open dataset %s: %w", chat.DatasetID, err)
		}
	}
	if sink == nil {
		sink = func(Event) {}
	}

	s.logEvent(req, "outbound", "chat_user_message", req.Message, nil)

	logged := func(ev Event) {
		// The user's own message was logged above.
		if ev.Type == EventTurn && ev.Turn != nil && (ev.Turn.Role != domain.RoleUser || ev.Turn.Kind != domain.TurnMessage) {
			s.logEvent(req, "inbound", "chat_"+string(ev.Turn.Kind), ev.Turn.Content, map[string]any{
				"round": ev.Round,
				"role":  ev.Turn.Role,
			})
		}
		sink(ev)
	}

	out, err := s.controller.Run(ctx, RunRequest{
		ChatID:   req.ChatID,
		UserID:   req.UserID,
		Message:  req.Message,
		Dataset:  ds,
		Approver: req.Approver,
		NoWait:   !req.Wait,
	}, logged)
	if err != nil {
		return Outcome{}, err
	}
	s.logEvent(req, "inbound", "chat_run_finished", "", map[string]any{
		"rounds":      out.Rounds,
		"depth":       out.Depth,
		"reason":      out.Reason,
		"duration_ms": out.Duration.Milliseconds(),
	})
	return out, nil
}

func (s *Service) logEvent(req SendRequest, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["chat_id"] = req.ChatID
	if req.SessionID != "" {
		meta["session_id"] = req.SessionID
	}
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.ChatID,
		Channel:    "chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// Cancel stops the chat's in-flight run at its next round boundary.
func (s *Service) Cancel(ctx context.Context, userID, chatID string) (bool, error) {
	if _, err := s.Chat(ctx, userID, chatID); err != nil {
		return false, err
	}
	return s.controller.Sessions().Cancel(chatID), nil
}

// Reset forgets all controller state for a chat and releases its resources.
func (s *Service) Reset(ctx context.Context, chatID string) error {
	if err := s.controller.Sessions().Evict(ctx, chatID); err != nil {
		return err
	}
	if s.onReset != nil {
		s.onReset(ctx, chatID)
	}
	return nil
}

// EvictIdle drops idle in-memory chat sessions and returns their IDs.
func (s *Service) EvictIdle(ttl time.Duration) []string {
	return s.controller.Sessions().EvictIdle(ttl)
}

// Close flushes the conversation log.
func (s *Service) Close() {
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}
