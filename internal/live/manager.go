// Package live serves copilot chat over WebSocket.
package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

type client struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// SessionManager tracks one live connection per user tab.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*client
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*client),
	}
}

// GetActive returns the active connection for a user and session.
func (m *SessionManager) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		if c := sessions[sessionID]; c != nil {
			return c.conn
		}
	}
	return nil
}

// Count returns the number of open connections.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// Register adds a connection for a user/session. A previous connection for
// the same tab is cancelled and closed. cancel may be nil.
func (m *SessionManager) Register(userID, sessionID string, conn *websocket.Conn, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*client)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing.conn != conn {
		existing.close("session replaced")
	}

	m.active[userID][sessionID] = &client{conn: conn, cancel: cancel}
	slog.Info("Live session registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes a connection if it is still the current one.
func (m *SessionManager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current.conn == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Live session unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseSession terminates the connection of one tab. It matches
// agent.CleanupCallback so the TTL worker can drop expired sessions.
func (m *SessionManager) CloseSession(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	c, ok := sessions[sessionID]
	if !ok {
		return
	}
	c.close("session expired")
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.active, userID)
	}
	slog.Info("Live session closed", "user_id", userID, "session_id", sessionID)
}

// CloseUser terminates every connection of a user.
func (m *SessionManager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, c := range m.active[userID] {
		c.close("session closed")
		slog.Info("Live session closed", "user_id", userID, "session_id", sid)
	}
	delete(m.active, userID)
}

// CloseAll terminates every connection, used on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uid, sessions := range m.active {
		for _, c := range sessions {
			c.close("server shutting down")
		}
		delete(m.active, uid)
	}
}

func (c *client) close(reason string) {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.conn.Close(websocket.StatusGoingAway, reason)
}
