package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/dataloop/internal/domain"
)

// FollowupKind names the automatic turn the controller sends next.
type FollowupKind string

const (
	FollowupErrorFix FollowupKind = "error_fix"
	FollowupContinue FollowupKind = "followup"
	FollowupAnalyze  FollowupKind = "analyze_only"
	FollowupClarify  FollowupKind = "clarify"
	FollowupResume   FollowupKind = "resume"
)

// Followup is a composed automatic turn.
type Followup struct {
	Kind    FollowupKind
	Message string
}

// FollowupComposer builds execution reports, automatic follow-up messages and
// the model context for the next turn.
type FollowupComposer struct {
	sandbox      Sandbox
	historyTurns int
}

// NewFollowupComposer creates a composer. historyTurns <= 0 sends the whole transcript.
func NewFollowupComposer(sandbox Sandbox, historyTurns int) *FollowupComposer {
	return &FollowupComposer{sandbox: sandbox, historyTurns: historyTurns}
}

// ExecutionReport renders all outcomes of a round in execution order.
func (c *FollowupComposer) ExecutionReport(outcomes []domain.ExecutionOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for i, o := range outcomes {
		parts = append(parts, fmt.Sprintf("Block %d:\n%s", i+1, c.sandbox.FormatResult(o)))
	}
	return strings.Join(parts, "\n\n")
}

// ErrorFix asks the model to repair code that failed.
func (c *FollowupComposer) ErrorFix(outcomes []domain.ExecutionOutcome) Followup {
	var b strings.Builder
	b.WriteString("All code blocks failed. Errors:\n")
	for i, o := range outcomes {
		fmt.Fprintf(&b, "- Block %d: %s\n", i+1, o.ErrorMessage)
	}
	b.WriteString("\nFix the code and propose a corrected version. Do not repeat code that already failed unchanged.")
	return Followup{Kind: FollowupErrorFix, Message: b.String()}
}

// Continue feeds results back after a round with at least one success.
func (c *FollowupComposer) Continue(outcomes []domain.ExecutionOutcome) Followup {
	var failed int
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	var b strings.Builder
	b.WriteString("The code ran. Review the execution results above and answer the original question.")
	if failed > 0 {
		fmt.Fprintf(&b, " %d of %d blocks failed; fix them only if their results are still needed.", failed, len(outcomes))
	}
	b.WriteString(" If more analysis is required, propose the next code block; otherwise give the final answer without code.")
	return Followup{Kind: FollowupContinue, Message: b.String()}
}

// AnalyzeOnly tells the model its proposed code already ran and points it at
// the existing results.
func (c *FollowupComposer) AnalyzeOnly(prior []domain.ExecutionOutcome) Followup {
	var b strings.Builder
	b.WriteString("This code was already executed. Do not run it again; analyze the existing results instead.\n")
	for i, o := range prior {
		fmt.Fprintf(&b, "\nPrevious result %d:\n%s\n", i+1, o.Result.Summary())
	}
	return Followup{Kind: FollowupAnalyze, Message: strings.TrimRight(b.String(), "\n")}
}

// Clarify replaces further fix attempts with questions for the user.
func (c *FollowupComposer) Clarify(outcomes []domain.ExecutionOutcome) Followup {
	var b strings.Builder
	b.WriteString("Several attempts in a row have failed. Stop proposing code. ")
	b.WriteString("Summarize what went wrong and ask the user clarifying questions about:\n")
	b.WriteString("1. Which columns or data they intend to use.\n")
	b.WriteString("2. Any constraints or filters that apply.\n")
	b.WriteString("3. The outcome they expect.\n")
	b.WriteString("4. A small example of the data or the desired result.")
	if len(outcomes) > 0 {
		b.WriteString("\n\nLast errors:\n")
		for i, o := range outcomes {
			if o.Failed() {
				fmt.Fprintf(&b, "- Block %d: %s\n", i+1, o.ErrorMessage)
			}
		}
	}
	return Followup{Kind: FollowupClarify, Message: strings.TrimRight(b.String(), "\n")}
}

// Resume asks the model to finish a response that was cut off.
func (c *FollowupComposer) Resume() Followup {
	return Followup{
		Kind:    FollowupResume,
		Message: "Your previous response was cut off before the code block was closed. Repeat the complete code block.",
	}
}

// History converts the transcript into model messages, keeping only the most
// recent turns. Notices are UI-only and never reach the model.
func (c *FollowupComposer) History(turns []domain.ConversationTurn) []domain.ModelMessage {
	msgs := make([]domain.ModelMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Kind {
		case domain.TurnNotice:
			continue
		case domain.TurnExecution:
			msgs = append(msgs, domain.ModelMessage{Role: domain.RoleUser, Content: "Execution results:\n" + t.Content})
		case domain.TurnFollowup:
			msgs = append(msgs, domain.ModelMessage{Role: domain.RoleUser, Content: t.Content})
		default:
			msgs = append(msgs, domain.ModelMessage{Role: t.Role, Content: t.Content})
		}
	}
	if c.historyTurns > 0 && len(msgs) > c.historyTurns {
		msgs = msgs[len(msgs)-c.historyTurns:]
	}
	return msgs
}

// SystemPrompt describes the dataset and the sandbox conventions.
func (c *FollowupComposer) SystemPrompt(datasetSummary string) string {
	var b strings.Builder
	b.WriteString("You are a data analysis assistant. You answer questions about the user's dataset by proposing code that a human approves before it runs.\n")
	b.WriteString("Propose at most a few small code blocks per answer. Each block must be self-contained.\n\n")
	b.WriteString(c.sandbox.Instructions())
	if datasetSummary != "" {
		b.WriteString("\n\nDataset:\n")
		b.WriteString(datasetSummary)
	}
	return b.String()
}
