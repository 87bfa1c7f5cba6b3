// Package app assembles the copilot from configuration. Both the HTTP server
// and the CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/dsl-copilot/internal/agent"
	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/lint"
	"github.com/ashureev/dsl-copilot/internal/llm"
	"github.com/ashureev/dsl-copilot/internal/lock"
	"github.com/ashureev/dsl-copilot/internal/sandbox"
	"github.com/ashureev/dsl-copilot/internal/store"
	"github.com/ashureev/dsl-copilot/internal/telemetry"
	"github.com/ashureev/dsl-copilot/internal/validator"
)

// Cleanup releases a component. It is always safe to call.
type Cleanup func()

func noop() {}

// NewValidator returns the validator selected by cfg.Validator.Backend.
//
//   - local:  tree-sitter syntax check
//   - grpc:   remote CodeValidator service
//   - docker: tree-sitter first, then a .NET build in a sandbox container
func NewValidator(cfg *config.Config, logger *slog.Logger) (codegen.Validator, Cleanup, error) {
	switch cfg.Validator.Backend {
	case config.BackendLocal, "":
		return validator.NewTreeSitter(logger), noop, nil

	case config.BackendGRPC:
		client, err := validator.DialGRPC(validator.DefaultGRPCClientConfig(cfg.Validator.GRPCAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil

	case config.BackendDocker:
		compiler, err := sandbox.NewDockerCompiler(cfg.Validator.DockerImage, cfg.Validator.ContainerRuntime, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := compiler.Close(ctx); err != nil {
				logger.Warn("Failed to remove compiler container", "error", err)
			}
		}
		return validator.Chain(validator.NewTreeSitter(logger), compiler), cleanup, nil
	}
	return nil, nil, fmt.Errorf("unknown validator backend %q", cfg.Validator.Backend)
}

// NewGenerator returns the throttled OpenAI generator.
func NewGenerator(cfg *config.Config, logger *slog.Logger) (codegen.Generator, error) {
	gen, err := llm.NewOpenAIGenerator(llm.OpenAIConfig{
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Name,
		BaseURL:     cfg.Model.BaseURL,
		Temperature: float32(cfg.Model.Temperature),
	}, logger)
	if err != nil {
		return nil, err
	}
	return llm.Throttle(gen, cfg.Model.RequestsPerSecond, cfg.Model.Burst), nil
}

// NewLoop reads the grammar and composes gen and val.
func NewLoop(cfg *config.Config, gen codegen.Generator, val codegen.Validator, logger *slog.Logger) (*codegen.Loop, error) {
	grammar, err := cfg.LoadGrammar()
	if err != nil {
		return nil, err
	}
	return codegen.NewLoop(gen, val, codegen.Config{
		MaxAttempts: cfg.CodeGen.MaxAttempts,
		Grammar:     grammar,
		Language:    cfg.CodeGen.Language,
		Logger:      logger,
	})
}

// NewLinter loads the editorconfig linter. It returns nil, nil when no
// editorconfig path is configured.
func NewLinter(cfg *config.Config, logger *slog.Logger) (agent.Linter, error) {
	if cfg.CodeGen.EditorConfigPath == "" {
		return nil, nil
	}
	l, err := lint.Load(cfg.CodeGen.EditorConfigPath, logger)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// NewLocker returns a Redis locker when cfg.RedisURL is set and reachable,
// otherwise an in-process one.
func NewLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, Cleanup, error) {
	if cfg.RedisURL == "" {
		return lock.NewLocal(), noop, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("Using redis session locks", "addr", opts.Addr)
	return lock.NewRedis(client, "dslcopilot:"), func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
	}, nil
}

// Options tune NewService.
type Options struct {
	Repo    store.Repository
	Metrics *telemetry.Metrics
	Log     agent.ConversationLogger
	// Generator replaces the OpenAI generator, used by tests and offline
	// runs.
	Generator codegen.Generator
}

// NewService builds the whole copilot service from cfg. The returned
// cleanup releases the validator and locker.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*agent.Service, Cleanup, error) {
	var cleanups []Cleanup
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*agent.Service, Cleanup, error) {
		cleanup()
		return nil, nil, err
	}

	val, closeVal, err := NewValidator(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("validator: %w", err))
	}
	cleanups = append(cleanups, closeVal)

	gen := opts.Generator
	if gen == nil {
		if gen, err = NewGenerator(cfg, logger); err != nil {
			return fail(fmt.Errorf("generator: %w", err))
		}
	}

	loop, err := NewLoop(cfg, gen, val, logger)
	if err != nil {
		return fail(err)
	}

	linter, err := NewLinter(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("linter: %w", err))
	}

	locker, closeLocker, err := NewLocker(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, closeLocker)

	svc, err := agent.NewService(agent.Deps{
		Loop:              loop,
		Repo:              opts.Repo,
		Locker:            locker,
		Linter:            linter,
		Metrics:           opts.Metrics,
		Log:               opts.Log,
		Logger:            logger,
		GenerationTimeout: cfg.Timeout.Generation,
		LockTimeout:       cfg.Timeout.SessionLock,
	})
	if err != nil {
		return fail(err)
	}
	if linter == nil {
		logger.Info("Linting disabled (EDITORCONFIG_PATH not set)")
	}
	return svc, cleanup, nil
}
