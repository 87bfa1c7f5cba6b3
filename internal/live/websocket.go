package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/dsl-copilot/internal/agent"
	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/identity"
	"github.com/ashureev/dsl-copilot/internal/store"
)

const writeTimeout = 10 * time.Second

// Copilot is the part of agent.Service the socket drives.
type Copilot interface {
	Generate(ctx context.Context, req agent.ChatRequest, observer codegen.Observer) (*agent.ChatResult, error)
	ResetSession(ctx context.Context, userID, sessionID string) error
}

// BroadcastFunc returns an observer that mirrors events to other
// subscribers of the session, such as SSE streams.
type BroadcastFunc func(userID, sessionID string) codegen.Observer

// WebSocketHandler handles WebSocket-based chat sessions.
type WebSocketHandler struct {
	copilot       Copilot
	repo          store.Repository
	sm            *SessionManager
	broadcast     BroadcastFunc
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler. repo may be nil.
func NewWebSocketHandler(copilot Copilot, repo store.Repository, sm *SessionManager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		copilot:       copilot,
		repo:          repo,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// SetBroadcast mirrors loop events of socket runs to fn.
func (h *WebSocketHandler) SetBroadcast(fn BroadcastFunc) {
	h.broadcast = fn
}

// inbound is a client frame.
type inbound struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	Language string `json:"language,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type     string            `json:"type"`
	Event    *codegen.Event    `json:"event,omitempty"`
	Result   *agent.ChatResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
}

// session is the per-connection state.
type session struct {
	h         *WebSocketHandler
	ws        *websocket.Conn
	userID    string
	sessionID string

	mu        sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.sm.Register(userID, sessionID, ws, cancel)
	defer h.sm.Unregister(userID, sessionID, ws)

	s := &session{h: h, ws: ws, userID: userID, sessionID: sessionID}
	s.readLoop(ctx)
	cancel()
	s.wg.Wait()
	slog.Info("Live session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (s *session) readLoop(ctx context.Context) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, s.ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", s.userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", s.userID)
			}
			return
		}

		switch msg.Type {
		case "prompt":
			s.startRun(ctx, msg)
		case "cancel":
			s.cancelRun()
		case "reset":
			s.cancelRun()
			s.wg.Wait()
			if err := s.h.copilot.ResetSession(ctx, s.userID, s.sessionID); err != nil {
				s.write(ctx, outbound{Type: "error", Error: err.Error()})
			} else {
				s.write(ctx, outbound{Type: "reset"})
			}
		case "ping":
			s.write(ctx, outbound{Type: "pong"})
		default:
			s.write(ctx, outbound{Type: "error", Error: "unknown message type: " + msg.Type})
		}

		s.touch()
	}
}

// startRun launches one generation. Only one run per connection may be in
// flight.
func (s *session) startRun(ctx context.Context, msg inbound) {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		s.write(ctx, outbound{Type: "error", Error: agent.ErrSessionBusy.Error()})
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.mu.Unlock()

	observers := []codegen.Observer{func(e codegen.Event) {
		s.write(ctx, outbound{Type: "event", Event: &e})
	}}
	if s.h.broadcast != nil {
		observers = append(observers, s.h.broadcast(s.userID, s.sessionID))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.runCancel = nil
			s.mu.Unlock()
			cancel()
		}()

		result, err := s.h.copilot.Generate(runCtx, agent.ChatRequest{
			Message:   msg.Message,
			Language:  msg.Language,
			UserID:    s.userID,
			SessionID: s.sessionID,
		}, codegen.Observers(observers...))

		switch {
		case err == nil:
			s.write(ctx, outbound{Type: "result", Result: result})
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			s.write(ctx, outbound{Type: "cancelled"})
		default:
			frame := outbound{Type: "error", Error: err.Error()}
			if result != nil {
				frame.Attempts = result.Attempts
				frame.Errors = result.Errors
			}
			s.write(ctx, frame)
		}
	}()
}

func (s *session) cancelRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		s.runCancel()
	}
}

func (s *session) write(ctx context.Context, frame outbound) {
	if ctx.Err() != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, s.ws, frame); err != nil && ctx.Err() == nil {
		slog.Debug("WebSocket write error", "error", err, "user_id", s.userID, "type", frame.Type)
	}
}

// touch updates last seen asynchronously with timeout.
func (s *session) touch() {
	if s.h.repo == nil {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.h.repo.UpdateLastSeen(updateCtx, s.userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}
