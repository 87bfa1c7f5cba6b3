package codegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/dsl-copilot/internal/domain"
)

// DefaultMaxAttempts bounds a run when Config.MaxAttempts is not positive.
const DefaultMaxAttempts = 3

const tracerName = "github.com/ashureev/dsl-copilot/internal/codegen"

// Config holds loop settings. Grammar and Language are sent with every
// generation request.
type Config struct {
	MaxAttempts int
	Grammar     string
	Language    string
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Loop composes a Generator and a Validator. It is safe for concurrent use
// as long as each Run gets its own History.
type Loop struct {
	gen         Generator
	val         Validator
	grammar     string
	language    string
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewLoop builds a loop over gen and val.
func NewLoop(gen Generator, val Validator, cfg Config) (*Loop, error) {
	if gen == nil {
		return nil, errors.New("codegen: generator is required")
	}
	if val == nil {
		return nil, errors.New("codegen: validator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Loop{
		gen:         gen,
		val:         val,
		grammar:     cfg.Grammar,
		language:    cfg.Language,
		maxAttempts: normalizedAttempts(cfg.MaxAttempts),
		logger:      logger,
		tracer:      tracer,
	}, nil
}

func normalizedAttempts(n int) int {
	if n < 1 {
		return DefaultMaxAttempts
	}
	return n
}

// MaxAttempts returns the effective attempt bound.
func (l *Loop) MaxAttempts() int { return l.maxAttempts }

// Language returns the default target language.
func (l *Loop) Language() string { return l.language }

// Request is a single loop invocation.
type Request struct {
	Input string
	// Language overrides Config.Language when set.
	Language string
	// History receives one feedback message per failed attempt. The caller
	// appends the user prompt before Run and the accepted code after it.
	History  *domain.History
	Observer Observer
}

// Run generates code, validates it and retries with feedback until the code
// is accepted or the attempts are used up. On success the returned outcome
// holds the code exactly as generated. When every attempt fails the error is
// a *RetryExhaustedError. If ctx is cancelled the in-flight call is abandoned,
// nothing is appended for it, and the context error is returned.
func (l *Loop) Run(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.Input) == "" {
		return Outcome{}, ErrEmptyInput
	}
	history := req.History
	if history == nil {
		history = domain.NewHistory()
	}
	language := req.Language
	if language == "" {
		language = l.language
	}
	emit := req.Observer
	if emit == nil {
		emit = func(Event) {}
	}

	ctx, span := l.tracer.Start(ctx, "codegen.Run", trace.WithAttributes(
		attribute.String("language", language),
		attribute.Int("max_attempts", l.maxAttempts),
	))
	defer span.End()

	var outcome Outcome
	start := time.Now()
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return outcome, l.cancelled(span, emit, attempt, time.Since(start), err)
		}
		outcome.Attempts = attempt
		emit(Event{Kind: EventAttemptStarted, Attempt: attempt, MaxAttempts: l.maxAttempts})
		l.logger.Info("Code generation attempt", "attempt", attempt, "max_attempts", l.maxAttempts, "language", language)

		res := l.attempt(ctx, attempt, req.Input, language, history, emit)
		outcome.Generation = res.generation
		outcome.Validation = res.validation

		if res.err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			span.SetStatus(codes.Ok, "")
			emit(Event{
				Kind:        EventSucceeded,
				Attempt:     attempt,
				MaxAttempts: l.maxAttempts,
				Code:        res.generation.Code,
				Elapsed:     time.Since(start),
			})
			l.logger.Info("Code generation succeeded", "attempt", attempt)
			return outcome, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome, l.cancelled(span, emit, attempt, time.Since(start), ctxErr)
		}

		history.Append(res.feedback)
		l.logger.Warn("Code generation attempt failed",
			"attempt", attempt,
			"stage", res.stage,
			"error", res.err,
		)

		if attempt == l.maxAttempts {
			exhausted := &RetryExhaustedError{Attempts: attempt, Last: res.err}
			span.RecordError(exhausted)
			span.SetStatus(codes.Error, "retries exhausted")
			emit(Event{
				Kind:        EventExhausted,
				Attempt:     attempt,
				MaxAttempts: l.maxAttempts,
				Stage:       res.stage,
				Errors:      FailureErrors(res.err),
				Message:     exhausted.Error(),
				Elapsed:     time.Since(start),
				Err:         exhausted,
			})
			return outcome, exhausted
		}
	}
	// Unreachable: maxAttempts is at least 1.
	return outcome, &RetryExhaustedError{Attempts: l.maxAttempts, Last: errors.New("no attempt made")}
}

type attemptResult struct {
	generation GenerationResult
	validation ValidationResult
	stage      Stage
	err        error
	feedback   domain.Message
}

// attempt runs one generate/validate pass. A failure caused by ctx being
// cancelled is returned without feedback or a failure event.
func (l *Loop) attempt(ctx context.Context, attempt int, input, language string, history *domain.History, emit Observer) attemptResult {
	start := time.Now()
	gen, err := l.generate(ctx, GenerateRequest{
		Input:    input,
		Grammar:  l.grammar,
		Language: language,
		History:  history,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attemptResult{generation: gen, stage: StageGenerate, err: ctxErr}
		}
		res := attemptResult{generation: gen, stage: StageGenerate, err: err}
		var te *TransportError
		if errors.As(err, &te) {
			res.feedback = TransportFeedback(StageGenerate, te.Err)
		} else {
			res.feedback = GenerationFeedback(FailureErrors(err))
		}
		emit(Event{
			Kind:        EventGenerationFailed,
			Attempt:     attempt,
			MaxAttempts: l.maxAttempts,
			Stage:       StageGenerate,
			Errors:      FailureErrors(err),
			Elapsed:     time.Since(start),
			Err:         err,
		})
		return res
	}
	emit(Event{
		Kind:        EventGenerated,
		Attempt:     attempt,
		MaxAttempts: l.maxAttempts,
		Code:        gen.Code,
		Message:     gen.Message,
		Elapsed:     time.Since(start),
	})

	if ctx.Err() != nil {
		return attemptResult{generation: gen, stage: StageGenerate, err: ctx.Err()}
	}

	val, err := l.validate(ctx, ValidateRequest{Input: gen.Code, Language: language, History: history})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attemptResult{generation: gen, validation: val, stage: StageValidate, err: ctxErr}
		}
		res := attemptResult{generation: gen, validation: val, stage: StageValidate, err: err}
		var te *TransportError
		if errors.As(err, &te) {
			res.feedback = TransportFeedback(StageValidate, te.Err)
		} else {
			res.feedback = ValidationFeedback(gen.Code, FailureErrors(err))
		}
		emit(Event{
			Kind:        EventValidationFailed,
			Attempt:     attempt,
			MaxAttempts: l.maxAttempts,
			Stage:       StageValidate,
			Code:        gen.Code,
			Errors:      FailureErrors(err),
			Elapsed:     time.Since(start),
			Err:         err,
		})
		return res
	}
	return attemptResult{generation: gen, validation: val}
}

func (l *Loop) generate(ctx context.Context, req GenerateRequest) (GenerationResult, error) {
	ctx, span := l.tracer.Start(ctx, "codegen.Generate")
	defer span.End()
	start := time.Now()

	raw, err := l.gen.Generate(ctx, req)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return GenerationResult{}, &TransportError{Stage: StageGenerate, Err: err}
	}

	gen, err := ParseGeneration(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse")
		return gen, err
	}
	if len(gen.Errors) > 0 {
		span.SetStatus(codes.Error, "generator reported errors")
		return gen, &ValidationFailure{Stage: StageGenerate, Errors: gen.Errors}
	}
	return gen, nil
}

func (l *Loop) validate(ctx context.Context, req ValidateRequest) (ValidationResult, error) {
	ctx, span := l.tracer.Start(ctx, "codegen.Validate")
	defer span.End()

	val, err := l.val.Validate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return ValidationResult{}, &TransportError{Stage: StageValidate, Err: err}
	}
	val.Errors = compactErrors(val.Errors)
	span.SetAttributes(
		attribute.Bool("is_valid", val.IsValid),
		attribute.Int("error_count", len(val.Errors)),
	)
	if !val.Passed() {
		span.SetStatus(codes.Error, "invalid code")
		return val, &ValidationFailure{Stage: StageValidate, Errors: val.Errors}
	}
	return val, nil
}

func (l *Loop) cancelled(span trace.Span, emit Observer, attempt int, elapsed time.Duration, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "cancelled")
	emit(Event{
		Kind:        EventCancelled,
		Attempt:     attempt,
		MaxAttempts: l.maxAttempts,
		Message:     err.Error(),
		Elapsed:     elapsed,
		Err:         err,
	})
	l.logger.Info("Code generation cancelled", "attempt", attempt, "reason", err)
	return fmt.Errorf("code generation cancelled at attempt %d: %w", attempt, err)
}
