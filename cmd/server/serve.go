package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/dataloop/internal/agent"
	"github.com/ashureev/dataloop/internal/api"
	"github.com/ashureev/dataloop/internal/approval"
	"github.com/ashureev/dataloop/internal/config"
	"github.com/ashureev/dataloop/internal/container"
	"github.com/ashureev/dataloop/internal/identity"
	"github.com/ashureev/dataloop/internal/middleware"
	"github.com/ashureev/dataloop/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}))
			slog.SetDefault(logger)

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"sandbox", cfg.Sandbox.Kind, "model_provider", cfg.Model.Provider)

	hub := approval.NewHub(logger)
	rt, err := buildRuntime(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	slog.Info("Database connected", "path", cfg.DBPath)

	// Initialize handlers.
	chatHandler := agent.NewHandler(rt.svc, hub, agent.HandlerConfig{
		RateLimitRequests: cfg.HTTP.RateLimitRequests,
		RateLimitWindow:   cfg.HTTP.RateLimitWindow,
		KeepaliveInterval: cfg.HTTP.SSEKeepalive,
	})
	defer chatHandler.Close()

	apiHandler := api.NewHandler(rt.repo, rt.catalog, rt.svc, hub, api.ServerInfo{
		ModelProvider:   cfg.Model.Provider,
		Model:           cfg.Model.Name,
		Sandbox:         cfg.Sandbox.Kind,
		MaxDepth:        cfg.Followup.MaxDepth,
		AutoFollowup:    cfg.Followup.Auto,
		ApprovalTimeout: int64(cfg.Followup.ApprovalTimeout.Seconds()),
	})
	healthHandler := api.NewHealthHandler(rt.repo, 5*time.Second)
	wsHandler := approval.NewWebSocketHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(rt.repo, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/approvals", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE connections require long timeouts (no WriteTimeout); keepalive pings
	// hold them open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return container.RunTTLWorker(gctx, container.TTLConfig{TTL: cfg.SessionTTL}, rt.svc.EvictIdle, container.CleanupCallback(rt.stopChat), rt.repo)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// allowedOrigins is "*" in development and the configured frontend otherwise.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
