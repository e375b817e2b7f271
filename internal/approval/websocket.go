package approval

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsMessage is the envelope for messages the server sends on the approval socket.
type wsMessage struct {
	Type     string                 `json:"type"`
	Approval *agent.ApprovalRequest `json:"approval,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// wsNotifier writes approval requests to one websocket connection.
type wsNotifier struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (n *wsNotifier) Notify(ctx context.Context, req agent.ApprovalRequest) error {
	return n.write(ctx, wsMessage{Type: "approval_required", Approval: &req})
}

func (n *wsNotifier) write(ctx context.Context, msg wsMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return wsjson.Write(ctx, n.conn, msg)
}

// WebSocketHandler serves the approval socket: requests go out as
// approval_required messages and answers come back as Answer JSON.
type WebSocketHandler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new approval socket handler.
func NewWebSocketHandler(hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept approval WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	n := &wsNotifier{conn: ws}
	unregister := h.hub.Register(ctx, userID, sessionID, n)
	defer unregister()

	h.readLoop(ctx, ws, n, userID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, n *wsNotifier, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("Approval WebSocket closed", "user_id", userID)
			} else {
				slog.Warn("Approval WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		answer, err := DecodeAnswer(data)
		if err == nil && answer.ID == "" {
			err = errors.New("approval id is required")
		}
		if err == nil {
			err = h.hub.Answer(userID, answer.ID, answer.Decision())
		}

		reply := wsMessage{Type: "ack", ID: answer.ID}
		if err != nil {
			reply = wsMessage{Type: "error", ID: answer.ID, Error: err.Error()}
		}
		if werr := n.write(ctx, reply); werr != nil {
			slog.Debug("Failed to write approval reply", "error", werr, "user_id", userID)
			return
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
