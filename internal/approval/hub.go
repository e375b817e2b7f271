// Package approval connects controller approval requests to the humans who
// answer them, over websockets, server-sent events or a terminal.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/domain"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnknownApproval is returned when answering an approval that is not pending for the user.
	ErrUnknownApproval = errors.New("unknown approval")
	// ErrAlreadyAnswered is returned when an approval receives a second answer.
	ErrAlreadyAnswered = errors.New("approval already answered")
)

// Notifier delivers an approval request to one connected client.
type Notifier = agent.ApprovalNotifier

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(ctx context.Context, req agent.ApprovalRequest) error

// Notify implements Notifier.
func (f NotifyFunc) Notify(ctx context.Context, req agent.ApprovalRequest) error {
	return f(ctx, req)
}

type registration struct {
	sessionID string
	n         Notifier
}

type pending struct {
	req    agent.ApprovalRequest
	answer chan domain.ApprovalDecision
}

// Hub routes approval requests to a user's connected clients and their
// answers back to the waiting controller.
type Hub struct {
	mu        sync.Mutex
	notifiers map[string]map[*registration]struct{} // userID -> registrations
	pending   map[string]*pending
	logger    *slog.Logger
}

var (
	_ agent.Approver         = (*Hub)(nil)
	_ agent.ApprovalChannels = (*Hub)(nil)
)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		notifiers: make(map[string]map[*registration]struct{}),
		pending:   make(map[string]*pending),
		logger:    logger,
	}
}

// Register connects a client for userID. Requests already pending for the
// user are replayed to the new client. The returned func unregisters it.
func (h *Hub) Register(ctx context.Context, userID, sessionID string, n Notifier) func() {
	reg := &registration{sessionID: sessionID, n: n}
	h.mu.Lock()
	if _, ok := h.notifiers[userID]; !ok {
		h.notifiers[userID] = make(map[*registration]struct{})
	}
	h.notifiers[userID][reg] = struct{}{}
	var replay []agent.ApprovalRequest
	for _, p := range h.pending {
		if p.req.UserID == userID {
			replay = append(replay, p.req)
		}
	}
	h.mu.Unlock()
	h.logger.Info("Approval channel registered", "user_id", userID, "session_id", sessionID)

	for _, req := range replay {
		if err := n.Notify(ctx, req); err != nil {
			h.logger.Debug("Failed to replay pending approval", "user_id", userID, "approval_id", req.ID, "error", err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			regs, ok := h.notifiers[userID]
			if !ok {
				return
			}
			delete(regs, reg)
			if len(regs) == 0 {
				delete(h.notifiers, userID)
			}
			h.logger.Info("Approval channel unregistered", "user_id", userID, "session_id", sessionID)
		})
	}
}

// Connected reports whether userID has at least one client registered.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifiers[userID]) > 0
}

// RequestApproval implements agent.Approver. It blocks until a client answers
// or ctx ends.
func (h *Hub) RequestApproval(ctx context.Context, req agent.ApprovalRequest) (domain.ApprovalDecision, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	h.mu.Lock()
	targets := make([]Notifier, 0, len(h.notifiers[req.UserID]))
	for reg := range h.notifiers[req.UserID] {
		targets = append(targets, reg.n)
	}
	if len(targets) == 0 {
		h.mu.Unlock()
		return domain.ApprovalDecision{}, agent.ErrNoApprovalChannel
	}
	p := &pending{req: req, answer: make(chan domain.ApprovalDecision, 1)}
	h.pending[req.ID] = p
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, req.ID)
		h.mu.Unlock()
	}()

	delivered := 0
	for _, n := range targets {
		if err := n.Notify(ctx, req); err != nil {
			h.logger.Warn("Failed to deliver approval request", "user_id", req.UserID, "approval_id", req.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return domain.ApprovalDecision{}, agent.ErrNoApprovalChannel
	}

	select {
	case d := <-p.answer:
		return d, nil
	case <-ctx.Done():
		return domain.ApprovalDecision{}, fmt.Errorf("wait for approval %s: %w", req.ID, ctx.Err())
	}
}

// Pending returns the requests currently awaiting an answer from userID.
func (h *Hub) Pending(userID string) []agent.ApprovalRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []agent.ApprovalRequest
	for _, p := range h.pending {
		if p.req.UserID == userID {
			out = append(out, p.req)
		}
	}
	return out
}

// Answer resolves a pending approval on behalf of userID.
func (h *Hub) Answer(userID, approvalID string, d domain.ApprovalDecision) error {
	h.mu.Lock()
	p, ok := h.pending[approvalID]
	h.mu.Unlock()
	if !ok || p.req.UserID != userID {
		return ErrUnknownApproval
	}
	select {
	case p.answer <- d:
		h.logger.Info("Approval answered", "user_id", userID, "approval_id", approvalID, "approved", d.Approved)
		return nil
	default:
		return ErrAlreadyAnswered
	}
}
