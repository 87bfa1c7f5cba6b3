// Package identity gives every browser an anonymous user ID and every tab a
// chat session ID.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dsl-copilot/internal/domain"
	"github.com/ashureev/dsl-copilot/internal/store"
)

const (
	AnonCookieName        = "dslcopilot_anon_id"
	SessionHeaderName     = "X-DSL-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"

	anonPrefix       = "anon_"
	anonCookieMaxAge = 30 * 24 * time.Hour
	// lastSeenResolution limits last-seen writes to one per user per minute.
	lastSeenResolution = time.Minute
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity is the caller of one request.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

type contextKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the request identity. The session ID defaults to
// DefaultSessionIDValue.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	if id.SessionID == "" {
		id.SessionID = DefaultSessionIDValue
	}
	return id
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string { return FromContext(ctx).UserID }

// UsernameFromContext extracts the display name from the request context.
func UsernameFromContext(ctx context.Context) string { return FromContext(ctx).Username }

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string { return FromContext(ctx).SessionID }

// Middleware resolves the anonymous user from its cookie, issuing a new one
// when missing, records the user in repo and puts the Identity in the
// request context.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := anonID(r)
			if err != nil {
				slog.Error("Failed to generate anonymous id", "error", err)
				writeError(w, "failed to establish anonymous identity")
				return
			}
			setAnonCookie(w, userID, !isDev)

			if err := remember(r.Context(), repo, userID, time.Now()); err != nil {
				slog.Error("Failed to record anonymous user", "error", err, "user_id", userID)
				writeError(w, "failed to initialize anonymous user")
				return
			}

			ctx := WithIdentity(r.Context(), Identity{
				UserID:    userID,
				Username:  usernameFor(userID),
				SessionID: sessionIDFromRequest(r),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// anonID returns the cookie's ID when it is well formed, otherwise a new one.
func anonID(r *http.Request) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		return c.Value, nil
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonPrefix + strings.ReplaceAll(u.String(), "-", ""), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// setAnonCookie (re)issues the cookie so its expiry slides with activity.
func setAnonCookie(w http.ResponseWriter, userID string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    userID,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// remember creates the user on first sight and otherwise refreshes its
// last-seen time at most once per lastSeenResolution.
func remember(ctx context.Context, repo store.Repository, userID string, now time.Time) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return repo.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			Username:   usernameFor(userID),
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if user.IdleFor(now) < lastSeenResolution {
		return nil
	}
	return repo.UpdateLastSeen(ctx, userID, now)
}

// usernameFor derives a short display name from the anonymous ID.
func usernameFor(userID string) string {
	if len(userID) <= len(anonPrefix)+8 {
		return "anon-user"
	}
	return "anon-" + userID[len(userID)-8:]
}

// sessionIDFromRequest reads the tab session from the header, or from the
// query string for WebSocket clients that cannot set headers.
func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return sanitizeSessionID(sid)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func writeError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
