package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/domain"
)

// BlockRenderer turns proposed blocks into text for a terminal.
type BlockRenderer func(blocks []domain.CodeBlock) string

// TerminalApprover asks for approval on an interactive terminal.
type TerminalApprover struct {
	in     *bufio.Reader
	out    io.Writer
	render BlockRenderer
}

var _ agent.Approver = (*TerminalApprover)(nil)

// NewTerminalApprover reads answers from in and writes prompts to out.
// A nil render prints blocks as plain fenced code.
func NewTerminalApprover(in io.Reader, out io.Writer, render BlockRenderer) *TerminalApprover {
	if render == nil {
		render = PlainBlocks
	}
	return &TerminalApprover{in: bufio.NewReader(in), out: out, render: render}
}

// PlainBlocks renders blocks as fenced markdown.
func PlainBlocks(blocks []domain.CodeBlock) string {
	var b strings.Builder
	for i, blk := range blocks {
		fmt.Fprintf(&b, "[%d/%d]\n```%s\n%s\n```\n", i+1, len(blocks), blk.Language, strings.TrimRight(blk.Code, "\n"))
	}
	return b.String()
}

// RequestApproval implements agent.Approver.
func (a *TerminalApprover) RequestApproval(ctx context.Context, req agent.ApprovalRequest) (domain.ApprovalDecision, error) {
	fmt.Fprintf(a.out, "\nThe assistant wants to run %d block(s):\n%s", len(req.Blocks), a.render(req.Blocks))
	fmt.Fprint(a.out, "Run? [y/N] ")

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		s, err := a.in.ReadString('\n')
		ch <- line{s, err}
	}()

	select {
	case <-ctx.Done():
		return domain.ApprovalDecision{}, ctx.Err()
	case l := <-ch:
		if l.err != nil && l.text == "" {
			if l.err == io.EOF {
				return domain.ApprovalDecision{}, agent.ErrNoApprovalChannel
			}
			return domain.ApprovalDecision{}, fmt.Errorf("read approval: %w", l.err)
		}
		switch strings.ToLower(strings.TrimSpace(l.text)) {
		case "y", "yes":
			return domain.ApprovalDecision{Approved: true}, nil
		default:
			return domain.ApprovalDecision{Approved: false}, nil
		}
	}
}
