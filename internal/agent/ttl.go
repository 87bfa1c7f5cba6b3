package agent

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTTLWorkerInterval is how often idle sessions are swept.
const DefaultTTLWorkerInterval = 5 * time.Minute

// sweepLockWait bounds how long the sweeper waits for a session lock. A
// session whose lock is held has a run in flight and is skipped.
const sweepLockWait = 100 * time.Millisecond

// CleanupCallback is called for each session removed by the TTL worker.
type CleanupCallback func(userID, sessionID string)

// StartTTLWorker periodically removes chat sessions idle for longer than ttl.
func (s *Service) StartTTLWorker(ctx context.Context, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultTTLWorkerInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				s.SweepExpiredSessions(ctx, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepExpiredSessions runs one TTL pass and returns the number of sessions
// deleted. Each session is deleted under its session lock and only if it is
// still expired; onCleanup runs after the delete.
func (s *Service) SweepExpiredSessions(ctx context.Context, ttl time.Duration, onCleanup CleanupCallback) int64 {
	if s.repo == nil {
		return 0
	}
	expired, err := s.repo.ListExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}
	slog.Info("TTL worker found expired sessions", "count", len(expired))

	var deleted int64
	for _, session := range expired {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.deleteExpired(ctx, session.UserID, session.SessionID, ttl)
		if err != nil {
			slog.Error("TTL worker failed to delete session", "error", err,
				"user_id", session.UserID, "session_id", session.SessionID)
			continue
		}
		if !ok {
			continue
		}
		deleted++
		if onCleanup != nil {
			onCleanup(session.UserID, session.SessionID)
		}
	}
	slog.Info("TTL worker cleanup completed", "cleaned", deleted)
	return deleted
}

func (s *Service) deleteExpired(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, sweepLockWait)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, userID+":"+sessionID, time.Minute)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		slog.Debug("TTL worker skipped busy session", "user_id", userID, "session_id", sessionID)
		return false, nil
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	return s.repo.DeleteExpiredSession(ctx, userID, sessionID, ttl)
}
