// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Validator backends.
const (
	BackendLocal  = "local"
	BackendGRPC   = "grpc"
	BackendDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	SessionTTL      time.Duration
	SettingsPath    string
	RedisURL        string
	TracingEnabled  bool
	Log             LogConfig
	ConversationLog ConversationLogConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Timeout         TimeoutConfig
	Retry           RetryConfig
	Model           ModelConfig
	CodeGen         CodeGenConfig
	Validator       ValidatorConfig
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes server-sent event streams.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// TimeoutConfig holds request-scoped deadlines.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Generation  time.Duration
	SessionLock time.Duration
}

// RetryConfig tunes SQLite contention retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// ModelConfig describes the chat-completion backend.
type ModelConfig struct {
	APIKey            string
	Name              string
	BaseURL           string
	Temperature       float64
	RequestsPerSecond float64
	Burst             int
}

// CodeGenConfig drives the generate/validate loop.
type CodeGenConfig struct {
	GrammarPath      string
	Language         string
	MaxAttempts      int
	EditorConfigPath string
}

// ValidatorConfig selects and configures the compiler frontend.
type ValidatorConfig struct {
	Backend          string
	GRPCAddr         string
	DockerImage      string
	ContainerRuntime string // "" = default (runc), "runsc" = gVisor
}

// Default returns the built-in configuration before any overrides.
func Default() *Config {
	return &Config{
		Port:       "8080",
		DBPath:     "./data/copilot.db",
		SessionTTL: 60 * time.Minute,
		Log:        LogConfig{Level: "info", Format: "json"},
		ConversationLog: ConversationLogConfig{
			Enabled:    true,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
		RateLimit: RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute},
		SSE: SSEConfig{
			KeepaliveInterval:  10 * time.Second,
			RetryDelay:         5 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		Timeout: TimeoutConfig{
			HealthCheck: 5 * time.Second,
			Generation:  3 * time.Minute,
			SessionLock: 10 * time.Second,
		},
		Retry: RetryConfig{DatabaseMaxRetries: 3, DatabaseRetryBaseDelay: 50 * time.Millisecond},
		Model: ModelConfig{
			Name:              "gpt-4o-mini",
			Temperature:       0.2,
			RequestsPerSecond: 2,
			Burst:             1,
		},
		CodeGen: CodeGenConfig{
			GrammarPath: "./grammars/csharp.g4",
			Language:    "csharp",
			MaxAttempts: 3,
		},
		Validator: ValidatorConfig{
			Backend:     BackendLocal,
			GRPCAddr:    "localhost:50051",
			DockerImage: "mcr.microsoft.com/dotnet/sdk:8.0",
		},
	}
}

// Load reads configuration from the optional settings file and environment
// variables, in that order of precedence (environment wins).
func Load() (*Config, error) {
	cfg := Default()

	cfg.SettingsPath = getEnv("DSLCOPILOT_SETTINGS", "")
	if cfg.SettingsPath != "" {
		settings, err := LoadSettings(cfg.SettingsPath)
		if err != nil {
			return nil, err
		}
		settings.Apply(cfg)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.FrontendURL = getEnv("FRONTEND_URL", cfg.FrontendURL)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.TracingEnabled = getEnvBool("TRACING_ENABLED", cfg.TracingEnabled)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", cfg.ConversationLog.Enabled)
	cfg.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", cfg.ConversationLog.Dir)
	cfg.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", cfg.ConversationLog.GlobalEnabled)
	cfg.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", cfg.ConversationLog.GlobalPath)
	if n := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", cfg.ConversationLog.QueueSize); n > 0 {
		cfg.ConversationLog.QueueSize = n
	}

	cfg.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", cfg.RateLimit.RequestsPerWindow)
	cfg.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.WindowDuration)

	cfg.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE_INTERVAL", cfg.SSE.KeepaliveInterval)
	cfg.SSE.RetryDelay = getEnvDuration("SSE_RETRY_DELAY", cfg.SSE.RetryDelay)
	cfg.SSE.MaxRequestBodySize = int64(getEnvInt("SSE_MAX_REQUEST_BODY", int(cfg.SSE.MaxRequestBodySize)))

	cfg.Timeout.Generation = getEnvDuration("GENERATION_TIMEOUT", cfg.Timeout.Generation)
	cfg.Timeout.SessionLock = getEnvDuration("SESSION_LOCK_TIMEOUT", cfg.Timeout.SessionLock)

	cfg.Model.APIKey = getEnv("OPENAI_API_KEY", cfg.Model.APIKey)
	cfg.Model.Name = getEnv("OPENAI_MODEL", cfg.Model.Name)
	cfg.Model.BaseURL = getEnv("OPENAI_BASE_URL", cfg.Model.BaseURL)
	cfg.Model.Temperature = getEnvFloat("OPENAI_TEMPERATURE", cfg.Model.Temperature)
	cfg.Model.RequestsPerSecond = getEnvFloat("OPENAI_REQUESTS_PER_SECOND", cfg.Model.RequestsPerSecond)

	cfg.CodeGen.GrammarPath = getEnv("GRAMMAR_PATH", cfg.CodeGen.GrammarPath)
	cfg.CodeGen.Language = getEnv("CODE_LANGUAGE", cfg.CodeGen.Language)
	cfg.CodeGen.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.CodeGen.MaxAttempts)
	cfg.CodeGen.EditorConfigPath = getEnv("EDITORCONFIG_PATH", cfg.CodeGen.EditorConfigPath)

	cfg.Validator.Backend = strings.ToLower(getEnv("VALIDATOR_BACKEND", cfg.Validator.Backend))
	cfg.Validator.GRPCAddr = getEnv("VALIDATOR_GRPC_ADDR", cfg.Validator.GRPCAddr)
	cfg.Validator.DockerImage = getEnv("VALIDATOR_DOCKER_IMAGE", cfg.Validator.DockerImage)
	cfg.Validator.ContainerRuntime = getEnv("CONTAINER_RUNTIME", cfg.Validator.ContainerRuntime)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.CodeGen.Language == "" {
		return fmt.Errorf("CODE_LANGUAGE cannot be empty")
	}
	if c.CodeGen.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if c.Model.RequestsPerSecond < 0 {
		return fmt.Errorf("OPENAI_REQUESTS_PER_SECOND cannot be negative")
	}
	switch c.Validator.Backend {
	case BackendLocal, BackendDocker:
	case BackendGRPC:
		if c.Validator.GRPCAddr == "" {
			return fmt.Errorf("VALIDATOR_GRPC_ADDR is required for the grpc backend")
		}
	default:
		return fmt.Errorf("unknown VALIDATOR_BACKEND %q", c.Validator.Backend)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// LoadGrammar reads the grammar file named by CodeGen.GrammarPath.
func (c *Config) LoadGrammar() (string, error) {
	data, err := os.ReadFile(c.CodeGen.GrammarPath)
	if err != nil {
		return "", fmt.Errorf("read grammar %s: %w", c.CodeGen.GrammarPath, err)
	}
	return string(data), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
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

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
