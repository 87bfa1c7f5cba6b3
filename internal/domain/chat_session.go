package domain

import (
	"time"
)

// ChatSession stores the persisted conversation of one browser tab (or
// console run) for a user.
type ChatSession struct {
	UserID       string
	SessionID    string
	Language     string
	AttemptCount int
	MessagesJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Generation records the outcome of a single generate/validate run.
type Generation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Prompt    string    `json:"prompt"`
	Language  string    `json:"language"`
	Code      string    `json:"code,omitempty"`
	Success   bool      `json:"success"`
	Attempts  int       `json:"attempts"`
	Errors    []string  `json:"errors,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
