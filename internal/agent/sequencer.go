package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/domain"
)

// ExecutionSequencer runs approved blocks one at a time, in order.
type ExecutionSequencer struct {
	sandbox Sandbox
	logger  *slog.Logger
}

// NewExecutionSequencer creates a sequencer over sandbox.
func NewExecutionSequencer(sandbox Sandbox, logger *slog.Logger) *ExecutionSequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionSequencer{sandbox: sandbox, logger: logger}
}

// Run executes blocks strictly sequentially and classifies each outcome.
// A failure directly after another failure is reported as skipped; any success
// clears that state. Blocks are not interrupted between each other: the
// caller checks cancellation at round boundaries.
func (s *ExecutionSequencer) Run(ctx context.Context, chatID string, blocks []domain.CodeBlock, ds dataset.Handle) []domain.ExecutionOutcome {
	outcomes := make([]domain.ExecutionOutcome, 0, len(blocks))
	previousBlockFailed := false

	for i, block := range blocks {
		outcome := s.runOne(ctx, chatID, block, ds)
		if outcome.Success {
			previousBlockFailed = false
		} else {
			if previousBlockFailed {
				outcome.Skipped = true
				outcome.ErrorMessage = "Skipped: previous block failed, this also failed: " + outcome.ErrorMessage
				outcome.Result = domain.ErrorResult(outcome.ErrorMessage)
			}
			previousBlockFailed = true
		}
		s.logger.Debug("block executed",
			"chat_id", chatID,
			"index", i,
			"success", outcome.Success,
			"skipped", outcome.Skipped,
			"duration_ms", outcome.ExecutionTimeMs,
		)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (s *ExecutionSequencer) runOne(ctx context.Context, chatID string, block domain.CodeBlock, ds dataset.Handle) (outcome domain.ExecutionOutcome) {
	outcome.Block = block
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sandbox panicked", "chat_id", chatID, "panic", r)
			msg := (&ExecutionError{Message: fmt.Sprintf("sandbox panic: %v", r)}).Error()
			outcome.Success = false
			outcome.ErrorMessage = msg
			outcome.Result = domain.ErrorResult(msg)
			outcome.ExecutionTimeMs = time.Since(started).Milliseconds()
		}
	}()

	v := s.sandbox.ValidateCode(block.Code)
	if !v.Valid || v.NeedsCompletion {
		msg := (&ValidationError{Message: v.Error, NeedsCompletion: v.NeedsCompletion}).Error()
		outcome.ErrorMessage = msg
		outcome.Result = domain.ErrorResult(msg)
		return outcome
	}

	res := s.sandbox.ExecuteCode(ctx, chatID, block.Code, ds)
	outcome.ExecutionTimeMs = res.ExecutionTimeMs
	if outcome.ExecutionTimeMs == 0 {
		outcome.ExecutionTimeMs = time.Since(started).Milliseconds()
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "execution failed"
		}
		outcome.ErrorMessage = (&ExecutionError{Message: msg}).Error()
		outcome.Result = domain.ErrorResult(outcome.ErrorMessage)
		return outcome
	}
	outcome.Success = true
	outcome.Result = res.Result
	return outcome
}
