package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/oklog/ulid/v2"
)

// DefaultMaxDepth is the number of automatic follow-up rounds per user turn.
const DefaultMaxDepth = 3

// ControllerConfig tunes the follow-up policy.
type ControllerConfig struct {
	// MaxDepth caps automatic follow-up rounds per user message. One extra
	// error-fix round is always allowed past the cap.
	MaxDepth int
	// AutoFollowup continues automatically after rounds where nothing failed.
	AutoFollowup bool
	// ApprovalTimeout bounds how long a round waits for a human.
	ApprovalTimeout time.Duration
	// HistoryTurns is how many recent transcript messages reach the model.
	HistoryTurns int
}

// ControllerDeps are the collaborators of a Controller.
type ControllerDeps struct {
	Processor Processor
	Sandbox   Sandbox
	// Detector defaults to the sandbox's own block detection.
	Detector  BlockDetector
	Approver  Approver
	Turns     ConversationStore
	Sessions  *SessionRegistry
	Heuristic CompletionHeuristic
	Logger    *slog.Logger
}

// Controller drives one user turn through streaming, approval, execution and
// any automatic follow-up rounds.
type Controller struct {
	processor Processor
	detector  BlockDetector
	gate      *ApprovalGate
	sequencer *ExecutionSequencer
	composer  *FollowupComposer
	heuristic CompletionHeuristic
	sessions  *SessionRegistry
	turns     ConversationStore
	cfg       ControllerConfig
	logger    *slog.Logger
}

// NewController wires a controller.
func NewController(deps ControllerDeps, cfg ControllerConfig) (*Controller, error) {
	if deps.Processor == nil {
		return nil, errors.New("controller requires a model processor")
	}
	if deps.Sandbox == nil {
		return nil, errors.New("controller requires a sandbox")
	}
	if deps.Turns == nil {
		return nil, errors.New("controller requires a conversation store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionRegistry(nil, logger)
	}
	if deps.Detector == nil {
		deps.Detector = sandboxDetector{deps.Sandbox}
	}
	if deps.Heuristic == nil {
		deps.Heuristic = UnclosedFenceHeuristic{}
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	return &Controller{
		processor: deps.Processor,
		detector:  deps.Detector,
		gate:      NewApprovalGate(deps.Approver, cfg.ApprovalTimeout, logger),
		sequencer: NewExecutionSequencer(deps.Sandbox, logger),
		composer:  NewFollowupComposer(deps.Sandbox, cfg.HistoryTurns),
		heuristic: deps.Heuristic,
		sessions:  deps.Sessions,
		turns:     deps.Turns,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Sessions returns the controller's session registry.
func (c *Controller) Sessions() *SessionRegistry {
	return c.sessions
}

type sandboxDetector struct{ sb Sandbox }

func (d sandboxDetector) Detect(text string) []domain.CodeBlock {
	return d.sb.DetectCodeBlocksInStream(text)
}

type state int

const (
	stateStreamReceived state = iota
	stateDetect
	stateApproval
	stateDedupCheck
	stateExecute
	stateEvaluate
	stateAnalyzeOnly
	stateErrorFix
	stateFollowup
	stateClarify
	stateResume
	stateDone
)

func (s state) String() string {
	switch s {
	case stateStreamReceived:
		return "stream_received"
	case stateDetect:
		return "detect"
	case stateApproval:
		return "approval"
	case stateDedupCheck:
		return "dedup_check"
	case stateExecute:
		return "execute"
	case stateEvaluate:
		return "evaluate"
	case stateAnalyzeOnly:
		return "analyze_only"
	case stateErrorFix:
		return "error_fix_round"
	case stateFollowup:
		return "followup_round"
	case stateClarify:
		return "clarify"
	case stateResume:
		return "resume"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// roundContext is the mutable state of one chain of rounds.
type roundContext struct {
	req        RunRequest
	session    *ChatSession
	sink       EventSink
	persistCtx context.Context
	system     string
	history    []domain.ConversationTurn
	dups       *DuplicateFilter

	round              int
	depth              int
	forcedErrorFixUsed bool

	response string
	blocks   []domain.CodeBlock
	outcomes []domain.ExecutionOutcome
	next     Followup
	reason   StopReason
}

// Run processes one user message until the chain reaches a terminal state.
// Progress is reported to sink; the returned Outcome says why the chain ended.
// Only setup failures are returned as errors: everything after the user
// message is recorded ends with a transcript entry.
func (c *Controller) Run(ctx context.Context, req RunRequest, sink EventSink) (out Outcome, err error) {
	if strings.TrimSpace(req.Message) == "" {
		return Outcome{}, errors.New("message is required")
	}
	if sink == nil {
		sink = func(Event) {}
	}
	started := time.Now()

	acquire := c.sessions.Acquire
	if req.NoWait {
		acquire = c.sessions.TryAcquire
	}
	session, release, err := acquire(ctx, req.ChatID)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire chat session: %w", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.sessions.SetCancel(session, cancel)

	history, err := c.turns.ListTurns(ctx, req.ChatID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list turns: %w", err)
	}

	rc := &roundContext{
		req:        req,
		session:    session,
		sink:       sink,
		persistCtx: context.WithoutCancel(ctx),
		history:    history,
		dups:       NewDuplicateFilter(history),
	}
	session.FollowupDepth = 0

	if err := c.appendTurn(rc, &domain.ConversationTurn{
		Role:    domain.RoleUser,
		Kind:    domain.TurnMessage,
		Content: req.Message,
	}); err != nil {
		return Outcome{}, err
	}
	rc.system = c.composer.SystemPrompt(c.describeDataset(ctx, req))

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("controller panicked", "chat_id", req.ChatID, "round", rc.round, "panic", r)
			c.notice(rc, "The run stopped because of an internal error.")
			rc.reason = StopInternal
		}
		c.sessions.Save(rc.persistCtx, session)
		out = Outcome{
			ChatID:   req.ChatID,
			Rounds:   rc.round,
			Depth:    rc.depth,
			Reason:   rc.reason,
			Duration: time.Since(started),
		}
		c.logger.Info("run finished",
			"chat_id", req.ChatID,
			"rounds", out.Rounds,
			"depth", out.Depth,
			"reason", out.Reason,
			"duration", out.Duration,
		)
		sink(Event{Type: EventDone, ChatID: req.ChatID, Round: rc.round, Outcome: &out})
	}()

	c.loop(ctx, rc)
	return out, nil
}

func (c *Controller) loop(ctx context.Context, rc *roundContext) {
	st := stateStreamReceived
	for st != stateDone {
		rc.sink(Event{Type: EventState, ChatID: rc.req.ChatID, Round: rc.round, State: st.String()})
		c.logger.Debug("controller state", "chat_id", rc.req.ChatID, "round", rc.round, "state", st.String())

		switch st {
		case stateStreamReceived:
			st = c.stream(ctx, rc)
		case stateDetect:
			st = c.detect(rc)
		case stateApproval:
			st = c.approve(ctx, rc)
		case stateDedupCheck:
			st = c.dedupCheck(rc)
		case stateExecute:
			st = c.execute(ctx, rc)
		case stateEvaluate:
			st = c.evaluate(rc)
		case stateAnalyzeOnly, stateErrorFix, stateFollowup, stateClarify, stateResume:
			st = c.advance(ctx, rc, st)
		default:
			rc.reason = StopInternal
			st = stateDone
		}
	}
	if rc.reason == "" {
		rc.reason = StopDone
	}
}

func (c *Controller) stream(ctx context.Context, rc *roundContext) state {
	if ctx.Err() != nil {
		return c.cancelled(rc)
	}
	rc.round++
	rc.response = ""

	req := domain.CompletionRequest{
		ChatID:   rc.req.ChatID,
		System:   rc.system,
		Messages: c.composer.History(rc.history),
	}

	var b strings.Builder
	for chunk, err := range c.processor.Complete(ctx, req) {
		if err != nil {
			if b.Len() > 0 {
				c.appendTurnLogged(rc, &domain.ConversationTurn{
					Role:    domain.RoleAssistant,
					Kind:    domain.TurnMessage,
					Content: b.String(),
				})
			}
			if ctx.Err() != nil {
				return c.cancelled(rc)
			}
			c.logger.Error("model stream failed", "chat_id", rc.req.ChatID, "round", rc.round, "error", err)
			c.notice(rc, "The model stream failed: "+err.Error())
			rc.reason = StopModelError
			return stateDone
		}
		if chunk == nil || chunk.Delta == "" {
			continue
		}
		b.WriteString(chunk.Delta)
		rc.sink(Event{Type: EventChunk, ChatID: rc.req.ChatID, Round: rc.round, Delta: chunk.Delta})
	}

	rc.response = b.String()
	if strings.TrimSpace(rc.response) == "" {
		c.notice(rc, "The model returned an empty response.")
		rc.reason = StopModelError
		return stateDone
	}
	c.appendTurnLogged(rc, &domain.ConversationTurn{
		Role:    domain.RoleAssistant,
		Kind:    domain.TurnMessage,
		Content: rc.response,
	})
	return stateDetect
}

func (c *Controller) detect(rc *roundContext) state {
	blocks := c.detector.Detect(rc.response)
	if len(blocks) == 0 {
		if c.heuristic.LooksIncomplete(rc.response) {
			rc.next = c.composer.Resume()
			return stateResume
		}
		rc.reason = StopDone
		return stateDone
	}
	rc.blocks = blocks
	return stateApproval
}

func (c *Controller) approve(ctx context.Context, rc *roundContext) state {
	req := ApprovalRequest{
		ID:     ulid.Make().String(),
		ChatID: rc.req.ChatID,
		UserID: rc.req.UserID,
		Round:  rc.round,
		Blocks: rc.blocks,
	}
	rc.sink(Event{Type: EventApprovalRequired, ChatID: rc.req.ChatID, Round: rc.round, Approval: &req})

	blocks, err := c.gate.Request(ctx, rc.req.Approver, req)
	if err == nil {
		rc.blocks = blocks
		return stateDedupCheck
	}

	if ctx.Err() != nil {
		return c.cancelled(rc)
	}
	var ae *ApprovalError
	if !errors.As(err, &ae) {
		ae = &ApprovalError{Reason: ApprovalRejected, Err: err}
	}
	c.logger.Info("round not approved", "chat_id", rc.req.ChatID, "round", rc.round, "reason", ae.Reason)

	switch ae.Reason {
	case ApprovalNoChannel:
		c.notice(rc, "Manual execution required: no approval channel is connected, so the proposed code was not run.")
		rc.reason = StopNoApproval
	case ApprovalTooFast:
		c.notice(rc, "Execution refused: the approval arrived too quickly to have come from a person.")
		rc.reason = StopRejected
	case ApprovalTimedOut:
		c.notice(rc, "Execution cancelled: nobody approved the proposed code in time.")
		rc.reason = StopRejected
	default:
		c.notice(rc, "Execution rejected. The proposed code was not run.")
		rc.reason = StopRejected
	}
	return stateDone
}

func (c *Controller) dedupCheck(rc *roundContext) state {
	if prior, ok := rc.dups.AllExecuted(rc.blocks); ok {
		c.logger.Info("proposed code already executed, analyzing existing results",
			"chat_id", rc.req.ChatID,
			"round", rc.round,
			"blocks", len(rc.blocks),
		)
		rc.next = c.composer.AnalyzeOnly(prior)
		return stateAnalyzeOnly
	}
	return stateExecute
}

func (c *Controller) execute(ctx context.Context, rc *roundContext) state {
	// An approved block always runs to completion, bounded by the sandbox's
	// own timeout; cancellation takes effect at the next round boundary.
	rc.outcomes = c.sequencer.Run(context.WithoutCancel(ctx), rc.req.ChatID, rc.blocks, rc.req.Dataset)
	c.appendTurnLogged(rc, &domain.ConversationTurn{
		Role:             domain.RoleAssistant,
		Kind:             domain.TurnExecution,
		Content:          c.composer.ExecutionReport(rc.outcomes),
		ExecutionResults: rc.outcomes,
	})
	rc.dups.Record(rc.outcomes)
	return stateEvaluate
}

func (c *Controller) evaluate(rc *roundContext) state {
	var succeeded, failed int
	for _, o := range rc.outcomes {
		if o.Success {
			succeeded++
		} else {
			failed++
		}
	}
	count := rc.session.Failures.Record(succeeded, failed)
	c.logger.Info("round evaluated",
		"chat_id", rc.req.ChatID,
		"round", rc.round,
		"succeeded", succeeded,
		"failed", failed,
		"consecutive_failures", count,
	)

	switch {
	case rc.session.Failures.Escalated():
		rc.next = c.composer.Clarify(rc.outcomes)
		return stateClarify
	case succeeded == 0:
		rc.next = c.composer.ErrorFix(rc.outcomes)
		return stateErrorFix
	case failed == 0 && !c.cfg.AutoFollowup:
		rc.reason = StopNoFollowups
		return stateDone
	default:
		rc.next = c.composer.Continue(rc.outcomes)
		return stateFollowup
	}
}

// advance runs the checks shared by every automatic round before the next
// model turn: cancellation, repetition, then the depth cap.
func (c *Controller) advance(ctx context.Context, rc *roundContext, st state) state {
	if ctx.Err() != nil {
		return c.cancelled(rc)
	}

	if err := rc.session.Loop.Check(rc.response); err != nil {
		c.logger.Warn("loop detected", "chat_id", rc.req.ChatID, "round", rc.round, "error", err)
		var le *LoopError
		if errors.As(err, &le) && !le.Repeated {
			// The ceiling is per chat and outlives this run.
			c.notice(rc, fmt.Sprintf("Stopped: this chat has reached its limit of %d different follow-up responses, "+
				"so automatic follow-ups stay off here. Start a new chat to continue with automatic follow-ups.", loopCeiling))
		} else {
			c.notice(rc, "Stopped: the assistant appears to be going in circles. Rephrase the question or add detail to continue.")
		}
		rc.reason = StopLoop
		return stateDone
	}

	if rc.depth >= c.cfg.MaxDepth {
		if st == stateErrorFix && !rc.forcedErrorFixUsed {
			rc.forcedErrorFixUsed = true
			c.logger.Info("depth cap reached, allowing one error-fix round", "chat_id", rc.req.ChatID, "depth", rc.depth)
		} else {
			c.notice(rc, fmt.Sprintf("Stopped after %d automatic follow-up rounds. Send a message to continue.", rc.depth))
			rc.reason = StopDepth
			return stateDone
		}
	}

	rc.depth++
	rc.session.FollowupDepth = rc.depth
	c.appendTurnLogged(rc, &domain.ConversationTurn{
		Role:    domain.RoleUser,
		Kind:    domain.TurnFollowup,
		Content: rc.next.Message,
	})
	c.sessions.Save(rc.persistCtx, rc.session)
	return stateStreamReceived
}

func (c *Controller) cancelled(rc *roundContext) state {
	c.notice(rc, "Stopped: the run was cancelled.")
	rc.reason = StopCancelled
	return stateDone
}

func (c *Controller) notice(rc *roundContext, text string) {
	c.appendTurnLogged(rc, &domain.ConversationTurn{
		Role:    domain.RoleAssistant,
		Kind:    domain.TurnNotice,
		Content: text,
	})
}

func (c *Controller) appendTurnLogged(rc *roundContext, turn *domain.ConversationTurn) {
	if err := c.appendTurn(rc, turn); err != nil {
		c.logger.Error("failed to persist turn", "chat_id", rc.req.ChatID, "kind", turn.Kind, "error", err)
	}
}

// appendTurn records a turn in the run's view of the transcript, persists it
// and emits it. The turn is emitted even when persistence fails.
func (c *Controller) appendTurn(rc *roundContext, turn *domain.ConversationTurn) error {
	turn.ID = ulid.Make().String()
	turn.ChatID = rc.req.ChatID
	turn.Timestamp = time.Now().UTC()

	err := c.turns.AppendTurn(rc.persistCtx, turn)
	if err != nil {
		err = fmt.Errorf("append %s turn: %w", turn.Kind, err)
	}
	rc.history = append(rc.history, *turn)
	rc.sink(Event{Type: EventTurn, ChatID: rc.req.ChatID, Round: rc.round, Turn: turn})
	return err
}

func (c *Controller) describeDataset(ctx context.Context, req RunRequest) string {
	if req.Dataset == nil {
		return ""
	}
	summary, err := req.Dataset.Describe(ctx)
	if err != nil {
		c.logger.Warn("failed to describe dataset", "chat_id", req.ChatID, "dataset_id", req.Dataset.ID(), "error", err)
		return ""
	}
	return summary
}
