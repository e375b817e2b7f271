package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/config"
	"github.com/ashureev/dataloop/internal/container"
	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/llm"
	"github.com/ashureev/dataloop/internal/sandbox"
	"github.com/ashureev/dataloop/internal/store"
)

// runtime holds everything both commands share.
type runtime struct {
	cfg      *config.Config
	repo     *store.SQLiteStore
	catalog  *dataset.Catalog
	sandbox  agent.Sandbox
	ctrl     *agent.Controller
	svc      *agent.Service
	convLog  agent.ConversationLogger
	stopChat agent.ChatCleanup
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// buildRuntime wires storage, the dataset catalog, the sandbox, the model
// provider and the controller. approver is the default approval channel.
func buildRuntime(ctx context.Context, cfg *config.Config, approver agent.Approver, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, stopChat: func(context.Context, string) {}}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	rt.repo = repo
	rt.closers = append(rt.closers, func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	})
	if err := repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}

	rt.catalog = dataset.NewCatalog(cfg.DatasetDir, cfg.Sandbox.MaxRows, logger)
	rt.closers = append(rt.closers, func() {
		if closeErr := rt.catalog.Close(); closeErr != nil {
			slog.Warn("Failed to close dataset catalog", "error", closeErr)
		}
	})

	if err := rt.buildSandbox(cfg, logger); err != nil {
		return nil, err
	}

	processor, err := llm.New(llm.Config{
		Provider: cfg.Model.Provider,
		Model:    cfg.Model.Name,
		APIKey:   cfg.Model.APIKey,
		BaseURL:  cfg.Model.BaseURL,
		GRPCAddr: cfg.Model.GRPCAddr,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize model provider: %w", err)
	}
	rt.closers = append(rt.closers, processor.Close)

	rt.ctrl, err = agent.NewController(agent.ControllerDeps{
		Processor: processor,
		Sandbox:   rt.sandbox,
		Approver:  approver,
		Turns:     repo,
		Sessions:  agent.NewSessionRegistry(repo, logger),
		Logger:    logger,
	}, agent.ControllerConfig{
		MaxDepth:        cfg.Followup.MaxDepth,
		AutoFollowup:    cfg.Followup.Auto,
		ApprovalTimeout: cfg.Followup.ApprovalTimeout,
		HistoryTurns:    cfg.Followup.HistoryTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize controller: %w", err)
	}

	rt.convLog, err = agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize conversation logger: %w", err)
	}

	rt.svc, err = agent.NewService(agent.ServiceDeps{
		Controller: rt.ctrl,
		Chats:      repo,
		Datasets:   rt.catalog,
		Log:        rt.convLog,
		OnReset:    rt.stopChat,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize chat service: %w", err)
	}
	rt.closers = append(rt.closers, rt.svc.Close)
	return rt, nil
}

func (rt *runtime) buildSandbox(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Sandbox.Kind {
	case "docker":
		mgr, err := container.NewDockerManager(container.Config{
			Image:      cfg.Sandbox.Image,
			Runtime:    cfg.Sandbox.ContainerRuntime,
			DatasetDir: cfg.DatasetDir,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize container manager: %w", err)
		}
		sb := sandbox.NewDockerSandbox(mgr, sandbox.DockerConfig{
			Timeout:     cfg.Sandbox.Timeout,
			OutputLimit: cfg.Sandbox.OutputLimit,
		}, logger)
		rt.sandbox = sb
		rt.stopChat = sb.StopChat
		rt.closers = append(rt.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.Timeout)
			defer cancel()
			sb.Close(ctx)
			if err := mgr.Close(); err != nil {
				slog.Warn("Failed to close docker client", "error", err)
			}
		})
		slog.Info("Docker sandbox initialized", "runtime", cfg.Sandbox.ContainerRuntime)
	default:
		rt.sandbox = sandbox.NewGoSandbox(sandbox.GoConfig{
			Timeout:     cfg.Sandbox.Timeout,
			OutputLimit: cfg.Sandbox.OutputLimit,
		}, logger)
		slog.Info("Go interpreter sandbox initialized")
	}
	return nil
}
