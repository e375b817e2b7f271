package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/approval"
	"github.com/ashureev/dataloop/internal/config"
	"github.com/ashureev/dataloop/internal/domain"
	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const cliUserID = "cli-local"

type askOptions struct {
	datasetID string
	chatID    string
	plain     bool
}

func newAskCmd() *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question in the terminal and approve code interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if opts.chatID == "" && opts.datasetID == "" {
				return errors.New("either --dataset or --chat is required")
			}
			return ask(cmd.Context(), cfg, opts, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.datasetID, "dataset", "", "dataset to start a new chat with")
	cmd.Flags().StringVar(&opts.chatID, "chat", "", "continue an existing chat")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "print markdown without terminal styling")
	return cmd
}

func ask(ctx context.Context, cfg *config.Config, opts askOptions, question string, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	render := markdownRenderer(opts.plain)
	approver := approval.NewTerminalApprover(in, out, func(blocks []domain.CodeBlock) string {
		return render(approval.PlainBlocks(blocks))
	})

	rt, err := buildRuntime(ctx, cfg, approver, slog.Default())
	if err != nil {
		return err
	}
	defer rt.Close()

	chatID, err := ensureCLIChat(ctx, rt, opts)
	if err != nil {
		return err
	}

	streaming := false
	sink := func(ev agent.Event) {
		switch ev.Type {
		case agent.EventChunk:
			streaming = true
			fmt.Fprint(out, ev.Delta)
		case agent.EventTurn:
			if ev.Turn == nil {
				return
			}
			switch ev.Turn.Kind {
			case domain.TurnExecution:
				fmt.Fprint(out, render("### Results\n\n```\n"+ev.Turn.Content+"\n```\n"))
			case domain.TurnNotice:
				fmt.Fprintln(out, render("> "+ev.Turn.Content))
			case domain.TurnMessage:
				if streaming {
					fmt.Fprintln(out)
					streaming = false
				}
			}
		}
	}

	outcome, err := rt.svc.Send(ctx, agent.SendRequest{
		ChatID:    chatID,
		UserID:    cliUserID,
		SessionID: "cli",
		Message:   question,
		Wait:      true,
	}, sink)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n[chat %s: %s after %d round(s)]\n", chatID, outcome.Reason, outcome.Rounds)
	return nil
}

func ensureCLIChat(ctx context.Context, rt *runtime, opts askOptions) (string, error) {
	now := time.Now().UTC()
	if err := rt.repo.UpsertUser(ctx, &domain.User{
		UserID:     cliUserID,
		Username:   "cli",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return "", fmt.Errorf("register cli user: %w", err)
	}
	if opts.chatID != "" {
		return opts.chatID, nil
	}
	if !rt.catalog.Exists(opts.datasetID) {
		return "", fmt.Errorf("dataset %q not found in %s", opts.datasetID, rt.cfg.DatasetDir)
	}
	chat := &domain.Chat{
		ChatID:    uuid.NewString(),
		UserID:    cliUserID,
		DatasetID: opts.datasetID,
		Title:     "Terminal chat about " + opts.datasetID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rt.repo.CreateChat(ctx, chat); err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	return chat.ChatID, nil
}

// markdownRenderer returns a glamour renderer, or identity when styling is
// off or unavailable.
func markdownRenderer(plain bool) func(string) string {
	if plain {
		return func(s string) string { return s }
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		slog.Warn("Terminal markdown rendering unavailable", "error", err)
		return func(s string) string { return s }
	}
	return func(s string) string {
		styled, err := r.Render(s)
		if err != nil {
			return s
		}
		return styled
	}
}
