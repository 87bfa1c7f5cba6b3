// Package codegen drives the generate/validate/retry loop that turns a user
// request into source code accepted by a compiler frontend.
package codegen

import (
	"context"

	"github.com/ashureev/dsl-copilot/internal/domain"
)

// GenerateRequest is the input handed to a Generator.
type GenerateRequest struct {
	Input    string
	Grammar  string
	Language string
	History  *domain.History
}

// Payload returns the wire form {input, grammar, language, history}.
func (r GenerateRequest) Payload() map[string]any {
	return map[string]any{
		"input":    r.Input,
		"grammar":  r.Grammar,
		"language": r.Language,
		"history":  r.History.Transcript(),
	}
}

// ValidateRequest is the input handed to a Validator. Input holds the code.
type ValidateRequest struct {
	Input    string
	Language string
	History  *domain.History
}

// Payload returns the wire form {input, language, history}.
func (r ValidateRequest) Payload() map[string]any {
	return map[string]any{
		"input":    r.Input,
		"language": r.Language,
		"history":  r.History.Transcript(),
	}
}

// Generator produces a raw payload that should decode to a GenerationResult.
// A returned error is treated as a transport failure.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Validator checks generated code. Unsupported languages are reported as a
// failing ValidationResult, not as an error; a returned error is treated as a
// transport failure.
type Validator interface {
	Validate(ctx context.Context, req ValidateRequest) (ValidationResult, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, req ValidateRequest) (ValidationResult, error)

func (f ValidatorFunc) Validate(ctx context.Context, req ValidateRequest) (ValidationResult, error) {
	return f(ctx, req)
}
