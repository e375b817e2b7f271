package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the full gRPC method name of the streaming completion RPC.
// Requests and responses are google.protobuf.Struct messages:
//
//	request:  {model, chat_id, system, messages: [{role, content}]}
//	response: {delta} or {error}
const CompleteMethod = "/dataloop.model.v1.ModelService/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errModelResponse            = errors.New("model response returned error")
)

var completeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Complete",
	ServerStreams: true,
}

// GrpcConfig holds configuration for the gRPC model client.
type GrpcConfig struct {
	Address          string
	Model            string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcConfig returns default configuration.
func DefaultGrpcConfig() GrpcConfig {
	return GrpcConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcProcessor streams completions from a remote model service.
type GrpcProcessor struct {
	conn    *grpc.ClientConn
	addr    string
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGrpcProcessor connects to a model service and waits until it is ready.
func NewGrpcProcessor(cfg GrpcConfig, logger *slog.Logger) (*GrpcProcessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model service at %s: %w", cfg.Address, err)
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model service", "address", cfg.Address)

	return &GrpcProcessor{
		conn:    conn,
		addr:    cfg.Address,
		model:   cfg.Model,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (p *GrpcProcessor) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Complete implements agent.Processor.
func (p *GrpcProcessor) Complete(ctx context.Context, req domain.CompletionRequest) iter.Seq2[*domain.CompletionChunk, error] {
	return func(yield func(*domain.CompletionChunk, error) bool) {
		msg, err := encodeCompletionRequest(p.model, req)
		if err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		stream, err := p.conn.NewStream(ctx, completeStreamDesc, CompleteMethod)
		if err != nil {
			yield(nil, fmt.Errorf("completion request failed: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(nil, fmt.Errorf("send completion request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("close completion request: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				p.logger.Error("Completion stream error", "error", err, "chat_id", req.ChatID)
				yield(nil, fmt.Errorf("completion stream error: %w", err))
				return
			}

			fields := resp.GetFields()
			if e := fields["error"].GetStringValue(); e != "" {
				yield(nil, fmt.Errorf("%w: %s", errModelResponse, e))
				return
			}
			delta := fields["delta"].GetStringValue()
			if delta == "" {
				continue
			}
			if !yield(&domain.CompletionChunk{Delta: delta}, nil) {
				return
			}
		}
	}
}

func encodeCompletionRequest(model string, req domain.CompletionRequest) (*structpb.Struct, error) {
	messages := make([]any, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]any{"role": string(m.Role), "content": m.Content}
	}
	msg, err := structpb.NewStruct(map[string]any{
		"model":    model,
		"chat_id":  req.ChatID,
		"system":   req.System,
		"messages": messages,
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}
	return msg, nil
}
