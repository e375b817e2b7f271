// Package agent implements the recursive execution-followup controller: it
// streams a model turn, gates proposed code behind human approval, executes it
// in a sandbox and decides whether the conversation continues automatically.
package agent

import (
	"context"
	"iter"
	"time"

	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/domain"
)

// Processor streams one model completion.
// Implementations live in the llm package.
type Processor interface {
	Complete(ctx context.Context, req domain.CompletionRequest) iter.Seq2[*domain.CompletionChunk, error]
	Close()
}

// BlockDetector finds complete code blocks in possibly partial response text.
type BlockDetector interface {
	Detect(text string) []domain.CodeBlock
}

// Validation is the sandbox verdict on code before it runs.
type Validation struct {
	Valid           bool
	NeedsCompletion bool
	Error           string
}

// ExecResult is the raw sandbox answer for one block.
type ExecResult struct {
	Success         bool
	Result          *domain.ResultValue
	Error           string
	ExecutionTimeMs int64
}

// Sandbox executes approved code against a dataset.
type Sandbox interface {
	ValidateCode(code string) Validation
	ExecuteCode(ctx context.Context, chatID, code string, ds dataset.Handle) ExecResult
	DetectCodeBlocksInStream(text string) []domain.CodeBlock
	FormatResult(outcome domain.ExecutionOutcome) string
	Instructions() string
}

// ApprovalRequest is what a human sees when asked to approve a round.
type ApprovalRequest struct {
	ID     string             `json:"id"`
	ChatID string             `json:"chat_id"`
	UserID string             `json:"user_id"`
	Round  int                `json:"round"`
	Blocks []domain.CodeBlock `json:"blocks"`
}

// Approver is a human approval channel.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (domain.ApprovalDecision, error)
}

// ConversationStore is the append-only transcript the controller reads and writes.
type ConversationStore interface {
	ListTurns(ctx context.Context, chatID string) ([]domain.ConversationTurn, error)
	AppendTurn(ctx context.Context, turn *domain.ConversationTurn) error
}

// SessionStore persists per-chat controller counters between restarts.
type SessionStore interface {
	GetChatSession(ctx context.Context, chatID string) (*domain.ChatSessionState, error)
	UpsertChatSession(ctx context.Context, state *domain.ChatSessionState) error
	DeleteChatSession(ctx context.Context, chatID string) error
}

// CompletionHeuristic decides whether a response without runnable blocks was
// cut off and should be continued.
type CompletionHeuristic interface {
	LooksIncomplete(text string) bool
}

// EventType names controller progress events.
type EventType string

const (
	EventChunk            EventType = "chunk"
	EventTurn             EventType = "turn"
	EventState            EventType = "state"
	EventApprovalRequired EventType = "approval_required"
	EventDone             EventType = "done"
)

// Event is one progress notification emitted while a run is in flight.
type Event struct {
	Type     EventType                `json:"type"`
	ChatID   string                   `json:"chat_id"`
	Round    int                      `json:"round"`
	State    string                   `json:"state,omitempty"`
	Delta    string                   `json:"delta,omitempty"`
	Turn     *domain.ConversationTurn `json:"turn,omitempty"`
	Approval *ApprovalRequest         `json:"approval,omitempty"`
	Outcome  *Outcome                 `json:"outcome,omitempty"`
}

// EventSink receives events for one run. It is called from the run goroutine.
type EventSink func(Event)

// RunRequest starts one user-initiated chain.
type RunRequest struct {
	ChatID  string
	UserID  string
	Message string
	Dataset dataset.Handle
	// Approver overrides the controller's default approval channel for this run.
	Approver Approver
	// NoWait fails with ErrChatBusy instead of queueing behind a run in flight.
	NoWait bool
}

// StopReason is why a chain ended.
type StopReason string

const (
	StopDone        StopReason = "done"
	StopRejected    StopReason = "rejected"
	StopNoApproval  StopReason = "no_approval_channel"
	StopLoop        StopReason = "loop_detected"
	StopDepth       StopReason = "depth_exceeded"
	StopCancelled   StopReason = "cancelled"
	StopModelError  StopReason = "model_error"
	StopInternal    StopReason = "internal_error"
	StopNoFollowups StopReason = "auto_followup_disabled"
)

// Outcome is the terminal value of a run.
type Outcome struct {
	ChatID   string        `json:"chat_id"`
	Rounds   int           `json:"rounds"`
	Depth    int           `json:"depth"`
	Reason   StopReason    `json:"reason"`
	Duration time.Duration `json:"duration"`
}
