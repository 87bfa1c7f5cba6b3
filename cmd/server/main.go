// DSL Copilot - code generation server with compiler feedback.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/dsl-copilot/internal/agent"
	"github.com/ashureev/dsl-copilot/internal/api"
	"github.com/ashureev/dsl-copilot/internal/app"
	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/identity"
	"github.com/ashureev/dsl-copilot/internal/live"
	"github.com/ashureev/dsl-copilot/internal/logging"
	"github.com/ashureev/dsl-copilot/internal/middleware"
	"github.com/ashureev/dsl-copilot/internal/store"
	"github.com/ashureev/dsl-copilot/internal/telemetry"
	"github.com/ashureev/dsl-copilot/web"
)

// version is set with -ldflags at build time.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "dsl-copilot",
		ServiceVersion: version,
		Environment:    environment(cfg),
		Writer:         os.Stderr,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, store.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected")

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	svc, cleanup, err := app.NewService(ctx, cfg, logger, app.Options{
		Repo:    repo,
		Metrics: metrics,
		Log:     conversationLogger,
	})
	if err != nil {
		_ = conversationLogger.Close()
		return err
	}
	defer cleanup()
	defer svc.Close()
	slog.Info("Copilot ready",
		"language", svc.Language(),
		"max_attempts", svc.MaxAttempts(),
		"validator", cfg.Validator.Backend,
		"model", cfg.Model.Name)

	// Initialize handlers.
	sm := live.NewSessionManager()
	copilotHandler := agent.NewHandler(svc, cfg)
	defer copilotHandler.Close()

	wsHandler := live.NewWebSocketHandler(svc, repo, sm, cfg.FrontendURL, cfg.IsDevelopment())
	wsHandler.SetBroadcast(copilotHandler.Observer)

	baseHandler := api.NewHandler(repo, sm, cfg)
	sessionHandler := api.NewSessionHandler(baseHandler, svc)
	healthHandler := api.NewHealthHandler(repo, cfg)

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
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
		copilotHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE streams need WriteTimeout 0; the keepalive ticker holds them open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	svc.StartTTLWorker(ctx, cfg.SessionTTL, agent.DefaultTTLWorkerInterval, sm.CloseSession)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		sm.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

func environment(cfg *config.Config) string {
	if cfg.IsDevelopment() {
		return "development"
	}
	return "production"
}
