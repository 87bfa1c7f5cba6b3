// Package agent runs code generation on behalf of web and console users.
package agent

import (
	"github.com/ashureev/dsl-copilot/internal/codegen"
)

// ChatRequest asks the copilot to write code.
type ChatRequest struct {
	Message   string `json:"message" validate:"required,max=8000"`
	Language  string `json:"language,omitempty" validate:"omitempty,oneof=csharp c# cs go golang java javascript js python py"`
	UserID    string `json:"-" validate:"required"`
	SessionID string `json:"-" validate:"required"`
}

// ChatResult is returned once a run has finished.
type ChatResult struct {
	Success  bool     `json:"success"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
	Language string   `json:"language"`
	Attempts int      `json:"attempts"`
	Linted   bool     `json:"linted,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// StreamEvent is a loop event addressed to one chat session.
type StreamEvent struct {
	UserID    string        `json:"-"`
	SessionID string        `json:"-"`
	Event     codegen.Event `json:"event"`
}
