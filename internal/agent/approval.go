package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
)

// minApprovalLatency is the fastest a human can plausibly answer. Faster
// decisions are treated as a bypass and rejected.
const minApprovalLatency = 100 * time.Millisecond

// ApprovalGate suspends a round until a human approves, edits or rejects the
// proposed blocks.
type ApprovalGate struct {
	approver Approver
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewApprovalGate creates a gate over approver. A nil approver means no
// channel is configured and every round is refused.
func NewApprovalGate(approver Approver, timeout time.Duration, logger *slog.Logger) *ApprovalGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalGate{approver: approver, timeout: timeout, now: time.Now, logger: logger}
}

// Request asks for approval and returns the blocks to execute.
// Any refusal is returned as *ApprovalError.
func (g *ApprovalGate) Request(ctx context.Context, approver Approver, req ApprovalRequest) ([]domain.CodeBlock, error) {
	if approver == nil {
		approver = g.approver
	}
	if approver == nil {
		return nil, &ApprovalError{Reason: ApprovalNoChannel, Err: ErrNoApprovalChannel}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	started := g.now()
	decision, err := approver.RequestApproval(ctx, req)
	elapsed := g.now().Sub(started)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoApprovalChannel):
			return nil, &ApprovalError{Reason: ApprovalNoChannel, Err: err}
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrApprovalTimeout):
			return nil, &ApprovalError{Reason: ApprovalTimedOut, Err: err}
		default:
			return nil, &ApprovalError{Reason: ApprovalRejected, Err: err}
		}
	}

	if elapsed < minApprovalLatency {
		g.logger.Warn("approval resolved faster than a human can answer, rejecting",
			"chat_id", req.ChatID,
			"approval_id", req.ID,
			"elapsed", elapsed,
		)
		return nil, &ApprovalError{Reason: ApprovalTooFast}
	}
	if !decision.Approved {
		return nil, &ApprovalError{Reason: ApprovalRejected}
	}
	if len(decision.EditedBlocks) > 0 {
		return decision.EditedBlocks, nil
	}
	return req.Blocks, nil
}
