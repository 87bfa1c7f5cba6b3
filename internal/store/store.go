// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dsl-copilot/internal/domain"
)

// Repository persists users, chat sessions and generation records.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetChatSession retrieves a chat session. Returns nil, nil if absent.
	GetChatSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// UpsertChatSession creates or updates a chat session.
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error

	// DeleteChatSession removes a chat session.
	DeleteChatSession(ctx context.Context, userID, sessionID string) error

	// ListExpiredSessions returns sessions not updated within ttl.
	ListExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.ChatSession, error)

	// DeleteExpiredSession removes a session only if it is still not updated
	// within ttl. It reports whether a row was deleted.
	DeleteExpiredSession(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error)

	// RecordGeneration stores the outcome of a run.
	RecordGeneration(ctx context.Context, gen *domain.Generation) error

	// ListGenerations returns a user's most recent generations, newest first.
	ListGenerations(ctx context.Context, userID string, limit int) ([]*domain.Generation, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
