// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file read before the environment.
// Environment variables always win over values from the file.
const ConfigFileEnv = "DATALOOP_CONFIG"

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	DatasetDir  string
	// SessionTTL is how long an idle chat keeps its in-memory session and sandbox.
	SessionTTL time.Duration

	Sandbox  SandboxConfig
	Model    ModelConfig
	Followup FollowupConfig
	HTTP     HTTPConfig

	ConversationLog ConversationLogConfig
}

// SandboxConfig selects and tunes the code sandbox.
type SandboxConfig struct {
	Kind             string // "yaegi" or "docker"
	Timeout          time.Duration
	Image            string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	OutputLimit      int
	MaxRows          int
}

// ModelConfig selects the model-completion provider.
type ModelConfig struct {
	Provider string // "openai", "genai" or "grpc"
	Name     string
	APIKey   string
	BaseURL  string
	GRPCAddr string
}

// FollowupConfig is the controller's follow-up policy.
type FollowupConfig struct {
	MaxDepth        int
	Auto            bool
	ApprovalTimeout time.Duration
	HistoryTurns    int
}

// HTTPConfig tunes the message stream endpoint.
type HTTPConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	SSEKeepalive      time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// source resolves a key from the environment, then the YAML overlay.
type source struct {
	file map[string]string
}

// Load reads configuration from DATALOOP_CONFIG (if set) and environment variables.
func Load() (*Config, error) {
	src := source{file: map[string]string{}}
	if path := os.Getenv(ConfigFileEnv); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = values
	}
	return load(src)
}

func load(src source) (*Config, error) {
	queueSize := src.int("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	provider := strings.ToLower(src.str("MODEL_PROVIDER", "openai"))
	apiKey := src.str("OPENAI_API_KEY", "")
	if provider == "genai" {
		apiKey = src.str("GOOGLE_API_KEY", src.str("GEMINI_API_KEY", ""))
	}

	// Images mount their volume at /data; local runs keep state beside the binary.
	dataRoot := "./data"
	if IsContainer() {
		dataRoot = "/data"
	}

	cfg := &Config{
		Port:        src.str("PORT", "8080"),
		FrontendURL: src.str("FRONTEND_URL", ""),
		DBPath:      src.str("DB_PATH", dataRoot+"/dataloop.db"),
		DatasetDir:  src.str("DATASET_DIR", dataRoot+"/datasets"),
		SessionTTL:  src.duration("SESSION_TTL", 60*time.Minute),
		Sandbox: SandboxConfig{
			Kind:             strings.ToLower(src.str("SANDBOX_KIND", "yaegi")),
			Timeout:          src.duration("SANDBOX_TIMEOUT", 30*time.Second),
			Image:            src.str("SANDBOX_IMAGE", ""),
			ContainerRuntime: src.str("CONTAINER_RUNTIME", ""),
			OutputLimit:      src.int("SANDBOX_OUTPUT_LIMIT", 64*1024),
			MaxRows:          src.int("DATASET_MAX_ROWS", 1000),
		},
		Model: ModelConfig{
			Provider: provider,
			Name:     src.str("MODEL_NAME", ""),
			APIKey:   apiKey,
			BaseURL:  src.str("OPENAI_BASE_URL", ""),
			GRPCAddr: src.str("MODEL_GRPC_ADDR", "localhost:50051"),
		},
		Followup: FollowupConfig{
			MaxDepth:        src.int("FOLLOWUP_MAX_DEPTH", 3),
			Auto:            src.bool("FOLLOWUP_AUTO", true),
			ApprovalTimeout: src.duration("APPROVAL_TIMEOUT", 10*time.Minute),
			HistoryTurns:    src.int("HISTORY_TURNS", 40),
		},
		HTTP: HTTPConfig{
			RateLimitRequests: src.int("RATE_LIMIT_REQUESTS", 10),
			RateLimitWindow:   src.duration("RATE_LIMIT_WINDOW", time.Minute),
			SSEKeepalive:      src.duration("SSE_KEEPALIVE", 10*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       src.bool("CONVERSATION_LOG_ENABLED", true),
			Dir:           src.str("CONVERSATION_LOG_DIR", dataRoot+"/logs/conversations"),
			GlobalEnabled: src.bool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    src.str("CONVERSATION_LOG_GLOBAL_PATH", dataRoot+"/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.DatasetDir == "" {
		errs = append(errs, errors.New("DATASET_DIR cannot be empty"))
	}
	switch c.Sandbox.Kind {
	case "yaegi", "docker":
	default:
		errs = append(errs, fmt.Errorf("SANDBOX_KIND must be yaegi or docker, got %q", c.Sandbox.Kind))
	}
	switch c.Model.Provider {
	case "openai", "genai", "grpc":
	default:
		errs = append(errs, fmt.Errorf("MODEL_PROVIDER must be openai, genai or grpc, got %q", c.Model.Provider))
	}
	if c.Followup.MaxDepth < 0 {
		errs = append(errs, errors.New("FOLLOWUP_MAX_DEPTH must be >= 0"))
	}
	if c.HTTP.RateLimitRequests <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be > 0"))
	}
	if c.ConversationLog.Dir == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_DIR cannot be empty"))
	}
	if c.ConversationLog.GlobalPath == "" {
		errs = append(errs, errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty"))
	}
	if c.ConversationLog.QueueSize <= 0 {
		errs = append(errs, errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// readFile loads a flat YAML mapping. Keys are matched case-insensitively
// against the environment variable names.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

func (s source) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) bool(key string, fallback bool) bool {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s source) int(key string, fallback int) int {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// duration accepts Go duration strings or a bare number of seconds.
func (s source) duration(key string, fallback time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
