package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dataloop/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepaliveInterval  = 10 * time.Second
	defaultRetryDelay         = 5 * time.Second
)

// ApprovalNotifier delivers an approval request to one connected client.
type ApprovalNotifier interface {
	Notify(ctx context.Context, req ApprovalRequest) error
}

// ApprovalChannels registers clients able to answer approvals for a user.
type ApprovalChannels interface {
	Register(ctx context.Context, userID, sessionID string, n ApprovalNotifier) func()
}

// HandlerConfig tunes the SSE handler.
type HandlerConfig struct {
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// Handler serves chat runs over server-sent events.
type Handler struct {
	svc         *Service
	approvals   ApprovalChannels
	rateLimiter *RateLimiter
	cfg         HandlerConfig
}

// NewHandler creates a chat run handler. approvals may be nil, in which case
// only approvers attached to the controller can answer.
func NewHandler(svc *Service, approvals ApprovalChannels, cfg HandlerConfig) *Handler {
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 10
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		svc:         svc,
		approvals:   approvals,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		cfg:         cfg,
	}
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// startEviction periodically removes expired keys so the map does not grow unbounded.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// RegisterRoutes registers chat run routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chats/{id}/messages", h.HandleMessage)
	r.Post("/api/chats/{id}/cancel", h.HandleCancel)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

type messageRequest struct {
	Message string `json:"message"`
}

// sseStream writes events to one response. Headers are sent lazily so a run
// that fails before producing anything can still answer with a JSON error.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	eventID int64
	retry   time.Duration
}

func (s *sseStream) start() error {
	if s.started {
		return nil
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	_, err := fmt.Fprintf(s.w, "retry: %d\n\n", s.retry.Milliseconds())
	return err
}

func (s *sseStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.start(); err != nil {
		return err
	}
	s.eventID++
	if err := writeSSEWithID(s.w, s.eventID, event, string(data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if err := writeSSE(s.w, "ping", `{"status":"alive"}`); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// HandleMessage handles POST /api/chats/{id}/messages: it runs one user turn
// and streams controller events until the chain ends.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	chatID := chi.URLParam(r, "id")
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	stream := &sseStream{w: w, flusher: flusher, retry: h.cfg.RetryDelay}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// This stream shows approval_required events itself, so it counts as a
	// connected approval channel for as long as it is open.
	if h.approvals != nil {
		unregister := h.approvals.Register(ctx, userID, sessionID, NotifyNoop{})
		defer unregister()
	}

	keepaliveDone := make(chan struct{})
	defer close(keepaliveDone)
	go func() {
		ticker := time.NewTicker(h.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepaliveDone:
				return
			case <-ticker.C:
				if err := stream.ping(); err != nil {
					slog.Debug("failed to write SSE keepalive ping", "error", err, "user_id", userID)
					cancel()
					return
				}
			}
		}
	}()

	slog.Info("Chat message request",
		"user_id", userID,
		"username", identity.UsernameFromContext(r.Context()),
		"session_id", sessionID,
		"chat_id", chatID,
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	sink := func(ev Event) {
		if err := stream.send(string(ev.Type), ev); err != nil {
			slog.Debug("failed to write SSE event", "error", err, "chat_id", chatID, "event", ev.Type)
		}
	}

	_, err := h.svc.Send(ctx, SendRequest{
		ChatID:    chatID,
		UserID:    userID,
		SessionID: sessionID,
		Message:   req.Message,
	}, sink)
	if err == nil {
		return
	}

	status, msg := http.StatusInternalServerError, "failed to run message"
	switch {
	case errors.Is(err, ErrChatNotFound):
		status, msg = http.StatusNotFound, "chat not found"
	case errors.Is(err, ErrChatBusy):
		status, msg = http.StatusConflict, "chat already has a run in progress"
	default:
		slog.Error("Chat run failed", "error", err, "chat_id", chatID, "user_id", userID)
	}
	if stream.isStarted() {
		if werr := stream.send("error", map[string]string{"error": msg}); werr != nil {
			slog.Debug("failed to write SSE error event", "error", werr)
		}
		return
	}
	writeJSONError(w, status, msg)
}

// HandleCancel handles POST /api/chats/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	chatID := chi.URLParam(r, "id")
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cancelled, err := h.svc.Cancel(r.Context(), userID, chatID)
	if errors.Is(err, ErrChatNotFound) {
		writeJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		slog.Error("Cancel failed", "error", err, "chat_id", chatID)
		writeJSONError(w, http.StatusInternalServerError, "failed to cancel")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

// NotifyNoop is an ApprovalNotifier for channels that already deliver
// requests some other way.
type NotifyNoop struct{}

// Notify implements ApprovalNotifier.
func (NotifyNoop) Notify(context.Context, ApprovalRequest) error { return nil }

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
