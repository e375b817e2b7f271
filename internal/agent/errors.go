package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNoApprovalChannel is returned when no human is reachable for approval.
	ErrNoApprovalChannel = errors.New("no approval channel configured")
	// ErrApprovalTimeout is returned when a human did not answer in time.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrChatBusy is returned when a round is already in flight for the chat.
	ErrChatBusy = errors.New("chat already has a round in flight")
)

// ApprovalReason classifies an approval refusal.
type ApprovalReason string

const (
	ApprovalNoChannel ApprovalReason = "no_channel"
	ApprovalRejected  ApprovalReason = "rejected"
	ApprovalTooFast   ApprovalReason = "too_fast"
	ApprovalTimedOut  ApprovalReason = "timeout"
)

// ApprovalError ends a round without executing anything.
type ApprovalError struct {
	Reason ApprovalReason
	Err    error
}

func (e *ApprovalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("approval %s: %v", e.Reason, e.Err)
	}
	return "approval " + string(e.Reason)
}

func (e *ApprovalError) Unwrap() error { return e.Err }

// ValidationError marks code rejected before execution.
type ValidationError struct {
	Message         string
	NeedsCompletion bool
}

func (e *ValidationError) Error() string {
	if e.NeedsCompletion {
		return "validation error: incomplete code: " + e.Message
	}
	return "validation error: " + e.Message
}

// ExecutionError wraps a sandbox failure for one block.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string { return e.Message }

// LoopError ends a chain when the model repeats itself.
type LoopError struct {
	Fingerprint string
	Distinct    int
	Repeated    bool
}

func (e *LoopError) Error() string {
	if e.Repeated {
		return "loop detected: response repeated"
	}
	return fmt.Sprintf("loop detected: %d distinct follow-up responses", e.Distinct)
}
