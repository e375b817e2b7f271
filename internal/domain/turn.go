package domain

import "time"

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnKind classifies a conversation turn.
type TurnKind string

const (
	// TurnMessage is a user message or a model response.
	TurnMessage TurnKind = "message"
	// TurnExecution carries sandbox outcomes for one round.
	TurnExecution TurnKind = "execution"
	// TurnFollowup is an automatically composed turn sent to the model.
	TurnFollowup TurnKind = "followup"
	// TurnNotice is a user-visible controller notice (stop reasons, refusals).
	TurnNotice TurnKind = "notice"
)

// ConversationTurn is one append-only transcript entry.
type ConversationTurn struct {
	ID               string             `json:"id"`
	ChatID           string             `json:"chat_id"`
	Seq              int64              `json:"seq"`
	Role             Role               `json:"role"`
	Kind             TurnKind           `json:"kind"`
	Content          string             `json:"content"`
	Timestamp        time.Time          `json:"timestamp"`
	ExecutionResults []ExecutionOutcome `json:"execution_results,omitempty"`
}

// ChatSessionState is the persisted snapshot of per-chat controller counters.
type ChatSessionState struct {
	ChatID              string
	FollowupDepth       int
	ConsecutiveFailures int
	Fingerprints        []string
	UpdatedAt           time.Time
}

// ModelMessage is one message in a model completion request.
type ModelMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input for one streamed model turn.
type CompletionRequest struct {
	ChatID   string         `json:"chat_id"`
	System   string         `json:"system"`
	Messages []ModelMessage `json:"messages"`
}

// CompletionChunk is one streamed piece of a model response.
type CompletionChunk struct {
	Delta string `json:"delta"`
}
