package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
)

// ChatSession holds the controller counters of one chat. Fields are only
// touched by the holder of the session lock.
type ChatSession struct {
	ChatID        string
	FollowupDepth int
	Failures      FailureTracker
	Loop          *LoopDetector

	lock       chan struct{}
	loaded     bool
	lastActive time.Time
	cancel     context.CancelFunc
}

func newChatSession(chatID string) *ChatSession {
	return &ChatSession{
		ChatID:     chatID,
		Loop:       NewLoopDetector(nil),
		lock:       make(chan struct{}, 1),
		lastActive: time.Now(),
	}
}

// Snapshot returns the persistable state of the session.
func (s *ChatSession) Snapshot() *domain.ChatSessionState {
	return &domain.ChatSessionState{
		ChatID:              s.ChatID,
		FollowupDepth:       s.FollowupDepth,
		ConsecutiveFailures: s.Failures.Count(),
		Fingerprints:        s.Loop.Fingerprints(),
		UpdatedAt:           time.Now(),
	}
}

func (s *ChatSession) restore(state *domain.ChatSessionState) {
	s.FollowupDepth = state.FollowupDepth
	s.Failures = FailureTracker{consecutive: min(max(state.ConsecutiveFailures, 0), escalationThreshold)}
	s.Loop = NewLoopDetector(state.Fingerprints)
}

// SessionRegistry owns every live ChatSession and guarantees that at most one
// round is in flight per chat.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*ChatSession
	store    SessionStore
	logger   *slog.Logger
}

// NewSessionRegistry creates a registry. store may be nil for in-memory only.
func NewSessionRegistry(store SessionStore, logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		sessions: make(map[string]*ChatSession),
		store:    store,
		logger:   logger,
	}
}

func (r *SessionRegistry) session(chatID string) *ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok {
		s = newChatSession(chatID)
		r.sessions[chatID] = s
	}
	s.lastActive = time.Now()
	return s
}

// Acquire blocks until the chat's session lock is free or ctx is done.
// The returned release func must be called exactly once.
func (r *SessionRegistry) Acquire(ctx context.Context, chatID string) (*ChatSession, func(), error) {
	return r.acquire(ctx, chatID, true)
}

// TryAcquire is Acquire without waiting; it fails with ErrChatBusy.
func (r *SessionRegistry) TryAcquire(ctx context.Context, chatID string) (*ChatSession, func(), error) {
	return r.acquire(ctx, chatID, false)
}

func (r *SessionRegistry) acquire(ctx context.Context, chatID string, wait bool) (*ChatSession, func(), error) {
	for {
		s := r.session(chatID)
		if wait {
			select {
			case s.lock <- struct{}{}:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		} else {
			select {
			case s.lock <- struct{}{}:
			default:
				return nil, nil, ErrChatBusy
			}
		}
		// The session may have been evicted while we waited for its lock.
		r.mu.Lock()
		current := r.sessions[chatID] == s
		r.mu.Unlock()
		if current {
			return r.held(ctx, s)
		}
		<-s.lock
	}
}

func (r *SessionRegistry) held(ctx context.Context, s *ChatSession) (*ChatSession, func(), error) {
	if !s.loaded && r.store != nil {
		state, err := r.store.GetChatSession(ctx, s.ChatID)
		if err != nil {
			<-s.lock
			return nil, nil, fmt.Errorf("load chat session %s: %w", s.ChatID, err)
		}
		if state != nil {
			s.restore(state)
		}
	}
	s.loaded = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			s.cancel = nil
			s.lastActive = time.Now()
			r.mu.Unlock()
			<-s.lock
		})
	}
	return s, release, nil
}

// Save persists the session counters.
func (r *SessionRegistry) Save(ctx context.Context, s *ChatSession) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertChatSession(ctx, s.Snapshot()); err != nil {
		r.logger.Warn("failed to persist chat session", "chat_id", s.ChatID, "error", err)
	}
}

// SetCancel registers the cancel func of the run currently holding s.
func (r *SessionRegistry) SetCancel(s *ChatSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.cancel = cancel
}

// Cancel stops the in-flight run of a chat at its next round boundary.
func (r *SessionRegistry) Cancel(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	if !ok || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Evict forgets a chat: any in-flight run is cancelled and persisted counters
// are removed.
func (r *SessionRegistry) Evict(ctx context.Context, chatID string) error {
	r.mu.Lock()
	if s, ok := r.sessions[chatID]; ok {
		if s.cancel != nil {
			s.cancel()
		}
		delete(r.sessions, chatID)
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteChatSession(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat session %s: %w", chatID, err)
	}
	return nil
}

// EvictIdle drops in-memory sessions idle for longer than ttl and returns
// their chat IDs. Sessions with a round in flight are kept. Persisted
// counters survive so the chat resumes where it left off.
func (r *SessionRegistry) EvictIdle(ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var evicted []string
	for id, s := range r.sessions {
		if s.lastActive.After(cutoff) {
			continue
		}
		select {
		case s.lock <- struct{}{}:
			delete(r.sessions, id)
			<-s.lock
			evicted = append(evicted, id)
		default:
		}
	}
	return evicted
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
