package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/ashureev/dataloop/internal/domain"
	"google.golang.org/genai"
)

const defaultGenAIModel = "gemini-2.5-flash"

// GenAIProcessor streams completions from the Gemini API.
type GenAIProcessor struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGenAI creates a Gemini-backed processor.
func NewGenAI(cfg Config, logger *slog.Logger) (*GenAIProcessor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai provider: %w", errMissingAPIKey)
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGenAIModel
	}
	logger.Info("GenAI model provider initialized", "model", model)
	return &GenAIProcessor{client: client, model: model, logger: logger}, nil
}

// Complete implements agent.Processor.
func (p *GenAIProcessor) Complete(ctx context.Context, req domain.CompletionRequest) iter.Seq2[*domain.CompletionChunk, error] {
	return func(yield func(*domain.CompletionChunk, error) bool) {
		contents, config := genaiRequest(req)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("completion stream: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(&domain.CompletionChunk{Delta: text}, nil) {
				return
			}
		}
	}
}

// Close implements agent.Processor.
func (p *GenAIProcessor) Close() {}

// genaiRequest maps the transcript onto Gemini contents. Assistant turns are
// sent as the model role; the system prompt travels as a system instruction.
func genaiRequest(req domain.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	var config *genai.GenerateContentConfig
	if req.System != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		}
	}
	return contents, config
}
