package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dsl-copilot/internal/agent"
	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/domain"
	"github.com/ashureev/dsl-copilot/internal/identity"
	"github.com/ashureev/dsl-copilot/internal/shared"
	"github.com/ashureev/dsl-copilot/internal/store"
	"github.com/ashureev/dsl-copilot/internal/validator"
)

// resetLocks prevents concurrent reset requests for the same session.
var resetLocks sync.Map

// Copilot is the part of the chat service the REST surface needs.
type Copilot interface {
	ResetSession(ctx context.Context, userID, sessionID string) error
	Language() string
	MaxAttempts() int
}

// SessionHandler handles user, config and history endpoints.
type SessionHandler struct {
	*Handler
	copilot Copilot
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler, copilot Copilot) *SessionHandler {
	return &SessionHandler{Handler: base, copilot: copilot}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/generations", h.ListGenerations)
		r.Post("/reset", h.Reset)
	})
}

// GetMe returns the current user's information.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	ttl := time.Hour
	if h.cfg != nil && h.cfg.SessionTTL > 0 {
		ttl = h.cfg.SessionTTL
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     user.UserID,
		"username":    user.Username,
		"session_id":  identity.SessionIDFromContext(r.Context()),
		"session_ttl": int64(user.SessionTTL(ttl).Seconds()),
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"language":     h.copilot.Language(),
		"max_attempts": h.copilot.MaxAttempts(),
		"languages":    validator.SupportedLanguages(),
	}
	if h.cfg != nil {
		body["model"] = h.cfg.Model.Name
		body["validator"] = h.cfg.Validator.Backend
		body["grammar"] = filepath.Base(h.cfg.CodeGen.GrammarPath)
		body["lint_enabled"] = h.cfg.CodeGen.EditorConfigPath != ""
	}
	JSON(w, http.StatusOK, body)
}

// ListGenerations returns the caller's recent runs, newest first.
func (h *SessionHandler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	gens, err := h.repo.ListGenerations(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list generations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	if gens == nil {
		gens = []*domain.Generation{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"generations": gens})
}

// Reset clears the caller's chat session and closes its live socket.
// A run still holding the session answers 409 and nothing is deleted.
// Other delete failures are logged and still reported as reset.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	key := userID + ":" + sessionID

	lock, _ := resetLocks.LoadOrStore(key, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Reset already in progress", "user_id", userID, "session_id", sessionID)
		JSON(w, http.StatusOK, map[string]string{"status": "resetting"})
		return
	}
	defer func() {
		mutex.Unlock()
		resetLocks.Delete(key)
	}()

	if h.sm != nil {
		h.sm.CloseSession(userID, sessionID)
	}

	if err := h.resetWithRetry(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, agent.ErrSessionBusy) {
			slog.Warn("Reset rejected, generation in progress", "user_id", userID, "session_id", sessionID)
			Error(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Failed to reset chat session", "error", err, "user_id", userID, "session_id", sessionID)
	}

	slog.Info("Chat session reset", "user_id", userID, "session_id", sessionID)
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// resetWithRetry retries on SQLITE_BUSY with exponential backoff.
func (h *SessionHandler) resetWithRetry(ctx context.Context, userID, sessionID string) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	if h.cfg != nil && h.cfg.Retry.DatabaseMaxRetries > 0 {
		maxRetries = h.cfg.Retry.DatabaseMaxRetries
		baseDelay = h.cfg.Retry.DatabaseRetryBaseDelay
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = h.copilot.ResetSession(ctx, userID, sessionID)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Database locked during reset, retrying",
			"user_id", userID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
	cfg  *config.Config
}

// NewHealthHandler creates a new health handler. cfg may be nil.
func NewHealthHandler(repo store.Repository, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil && h.cfg.Timeout.HealthCheck > 0 {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
