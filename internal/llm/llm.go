// Package llm adapts model providers to the controller's streaming Processor.
package llm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/dataloop/internal/agent"
)

// Provider names accepted in Config.Provider.
const (
	ProviderOpenAI = "openai"
	ProviderGenAI  = "genai"
	ProviderGRPC   = "grpc"
)

var errMissingAPIKey = errors.New("missing API key")

// Config selects and configures a model provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	GRPCAddr string
}

// New builds the Processor for cfg.Provider.
func New(cfg Config, logger *slog.Logger) (agent.Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg, logger)
	case ProviderGenAI:
		return NewGenAI(cfg, logger)
	case ProviderGRPC:
		return NewGrpcProcessor(GrpcConfig{Address: cfg.GRPCAddr, Model: cfg.Model}, logger)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
