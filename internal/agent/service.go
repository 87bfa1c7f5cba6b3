package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/domain"
	"github.com/ashureev/dsl-copilot/internal/lock"
	"github.com/ashureev/dsl-copilot/internal/store"
	"github.com/ashureev/dsl-copilot/internal/telemetry"
)

// ErrSessionBusy is returned when another run holds the session lock.
var ErrSessionBusy = errors.New("a generation is already running for this session")

// Linter reformats accepted code.
type Linter interface {
	Lint(code, language string) (string, error)
}

// Deps wires a Service. Repo, Linter, Metrics and Log are optional.
type Deps struct {
	Loop              *codegen.Loop
	Repo              store.Repository
	Locker            lock.Locker
	Linter            Linter
	Metrics           *telemetry.Metrics
	Log               ConversationLogger
	Logger            *slog.Logger
	GenerationTimeout time.Duration
	LockTimeout       time.Duration
}

// Service runs the generate/validate loop against persisted chat sessions.
type Service struct {
	loop              *codegen.Loop
	repo              store.Repository
	locker            lock.Locker
	linter            Linter
	metrics           *telemetry.Metrics
	log               ConversationLogger
	logger            *slog.Logger
	validate          *validator.Validate
	generationTimeout time.Duration
	lockTimeout       time.Duration
}

// NewService creates a service from deps.
func NewService(deps Deps) (*Service, error) {
	if deps.Loop == nil {
		return nil, errors.New("agent: loop is required")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Log == nil {
		deps.Log = noopConversationLogger{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.LockTimeout <= 0 {
		deps.LockTimeout = 10 * time.Second
	}
	return &Service{
		loop:              deps.Loop,
		repo:              deps.Repo,
		locker:            deps.Locker,
		linter:            deps.Linter,
		metrics:           deps.Metrics,
		log:               deps.Log,
		logger:            deps.Logger,
		validate:          validator.New(validator.WithRequiredStructEnabled()),
		generationTimeout: deps.GenerationTimeout,
		lockTimeout:       deps.LockTimeout,
	}, nil
}

// Generate runs one user turn. The user message is appended to the
// session history before the loop starts and the accepted code after it.
// Exhausted runs keep their error feedback in history; cancelled runs are
// not persisted.
//
//nolint:gocyclo // Outcome handling is kept in one place to mirror the run lifecycle.
func (s *Service) Generate(ctx context.Context, req ChatRequest, observer codegen.Observer) (*ChatResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid chat request: %w", err)
	}
	language := req.Language
	if language == "" {
		language = s.loop.Language()
	}

	unlock, err := s.lockSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release session lock", "user_id", req.UserID, "session_id", req.SessionID, "error", err)
		}
	}()

	session, history, err := s.loadSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	history.AppendUser(req.Message)
	s.logMessage(req, "inbound", "chat_user_message", req.Message, nil)

	runCtx := ctx
	if s.generationTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.generationTimeout)
		defer cancel()
	}

	observers := []codegen.Observer{observer, s.feedbackLogger(req)}
	if s.metrics != nil {
		observers = append(observers, s.metrics.Observer(language))
	}

	outcome, runErr := s.loop.Run(runCtx, codegen.Request{
		Input:    req.Message,
		Language: language,
		History:  history,
		Observer: codegen.Observers(observers...),
	})

	result := &ChatResult{
		Language: language,
		Attempts: outcome.Attempts,
		Message:  outcome.Generation.Message,
	}

	var exhausted *codegen.RetryExhaustedError
	switch {
	case runErr == nil:
		result.Success = true
		result.Code = outcome.Generation.Code
		if s.linter != nil {
			linted, lintErr := s.linter.Lint(result.Code, language)
			if lintErr != nil {
				s.logger.Warn("lint skipped", "language", language, "error", lintErr)
			} else {
				result.Code = linted
				result.Linted = true
			}
		}
		history.AppendAssistant(result.Code)
		s.logMessage(req, "outbound", "chat_assistant_code", result.Code, map[string]any{"attempts": outcome.Attempts})

	case errors.As(runErr, &exhausted):
		result.Errors = codegen.FailureErrors(runErr)
		s.logMessage(req, "outbound", "chat_generation_failed", runErr.Error(), map[string]any{
			"attempts": outcome.Attempts,
			"errors":   result.Errors,
		})

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		s.logMessage(req, "outbound", "chat_generation_cancelled", runErr.Error(), map[string]any{"attempts": outcome.Attempts})
		return nil, runErr

	default:
		return nil, runErr
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := s.saveSession(persistCtx, session, language, outcome.Attempts, history); err != nil {
		s.logger.Error("failed to persist chat session", "user_id", req.UserID, "session_id", req.SessionID, "error", err)
	}
	s.recordGeneration(persistCtx, req, result)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (s *Service) lockSession(ctx context.Context, userID, sessionID string) (lock.UnlockFunc, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ttl := s.generationTimeout + s.lockTimeout
	if s.generationTimeout <= 0 {
		ttl = 10 * time.Minute
	}
	unlock, err := s.locker.Lock(lockCtx, userID+":"+sessionID, ttl)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrSessionBusy
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}
	return unlock, nil
}

func (s *Service) loadSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, *domain.History, error) {
	history := domain.NewHistory()
	if s.repo == nil {
		return &domain.ChatSession{UserID: userID, SessionID: sessionID}, history, nil
	}
	session, err := s.repo.GetChatSession(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load chat session: %w", err)
	}
	if session == nil {
		return &domain.ChatSession{UserID: userID, SessionID: sessionID, CreatedAt: time.Now()}, history, nil
	}
	if session.MessagesJSON != "" {
		if err := history.UnmarshalJSON([]byte(session.MessagesJSON)); err != nil {
			s.logger.Warn("discarding unreadable chat history", "user_id", userID, "session_id", sessionID, "error", err)
			history = domain.NewHistory()
		}
	}
	return session, history, nil
}

func (s *Service) saveSession(ctx context.Context, session *domain.ChatSession, language string, attempts int, history *domain.History) error {
	if s.repo == nil {
		return nil
	}
	raw, err := history.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	session.Language = language
	session.AttemptCount = attempts
	session.MessagesJSON = string(raw)
	return s.repo.UpsertChatSession(ctx, session)
}

func (s *Service) recordGeneration(ctx context.Context, req ChatRequest, result *ChatResult) {
	if s.repo == nil {
		return
	}
	if err := s.repo.RecordGeneration(ctx, &domain.Generation{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Prompt:    req.Message,
		Language:  result.Language,
		Code:      result.Code,
		Success:   result.Success,
		Attempts:  result.Attempts,
		Errors:    result.Errors,
	}); err != nil {
		s.logger.Error("failed to record generation", "user_id", req.UserID, "error", err)
	}
}

// feedbackLogger writes every failed attempt to the conversation log.
func (s *Service) feedbackLogger(req ChatRequest) codegen.Observer {
	return func(e codegen.Event) {
		switch e.Kind {
		case codegen.EventGenerationFailed, codegen.EventValidationFailed:
			content := e.Code
			if content == "" && e.Err != nil {
				content = e.Err.Error()
			}
			s.logMessage(req, "internal", "chat_"+string(e.Kind), content, map[string]any{
				"attempt": e.Attempt,
				"stage":   e.Stage,
				"errors":  e.Errors,
			})
		}
	}
}

func (s *Service) logMessage(req ChatRequest, direction, eventType, content string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    "copilot",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// History returns the persisted messages of a session.
func (s *Service) History(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	_, history, err := s.loadSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return history.Messages(), nil
}

// ResetSession clears a session's history.
func (s *Service) ResetSession(ctx context.Context, userID, sessionID string) error {
	if s.repo == nil {
		return nil
	}
	unlock, err := s.lockSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	if err := s.repo.DeleteChatSession(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	s.log.Log(ConversationLogEvent{
		UserID:    userID,
		SessionID: sessionID,
		Channel:   "copilot",
		Direction: "internal",
		EventType: "chat_reset",
	})
	s.logger.Info("Chat session reset", "user_id", userID, "session_id", sessionID)
	return nil
}

// Language returns the default language.
func (s *Service) Language() string {
	return s.loop.Language()
}

// MaxAttempts returns the loop's attempt bound.
func (s *Service) MaxAttempts() int {
	return s.loop.MaxAttempts()
}

// Close releases resources.
func (s *Service) Close() {
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close conversation logger", "error", err)
	}
}
