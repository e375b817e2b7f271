package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIProcessor streams completions from an OpenAI-compatible endpoint.
type OpenAIProcessor struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-backed processor. BaseURL may point at any
// compatible server.
func NewOpenAI(cfg Config, logger *slog.Logger) (*OpenAIProcessor, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai provider: %w", errMissingAPIKey)
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	logger.Info("OpenAI model provider initialized", "model", model, "base_url", clientConfig.BaseURL)
	return &OpenAIProcessor{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}, nil
}

// Complete implements agent.Processor.
func (p *OpenAIProcessor) Complete(ctx context.Context, req domain.CompletionRequest) iter.Seq2[*domain.CompletionChunk, error] {
	return func(yield func(*domain.CompletionChunk, error) bool) {
		messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
		if req.System != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
		}
		for _, m := range req.Messages {
			role := openai.ChatMessageRoleUser
			if m.Role == domain.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: messages,
			Stream:   true,
		})
		if err != nil {
			yield(nil, fmt.Errorf("start completion stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("completion stream: %w", err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(&domain.CompletionChunk{Delta: resp.Choices[0].Delta.Content}, nil) {
				return
			}
		}
	}
}

// Close implements agent.Processor.
func (p *OpenAIProcessor) Close() {}
