// Package chatws provides bidirectional room chat over WebSocket.
package chatws

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks one active connection per user session. A new
// connection for the same session replaces the old one.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{active: make(map[string]map[string]*websocket.Conn)}
}

// Register adds conn for a user session, closing any connection it replaces.
func (m *SessionManager) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		sessions = make(map[string]*websocket.Conn)
		m.active[userID] = sessions
	}
	if existing, ok := sessions[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	sessions[sessionID] = conn
	slog.Info("chat session registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the active one for the session.
func (m *SessionManager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok || sessions[sessionID] != conn {
		return
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.active, userID)
	}
}

// Count returns the number of active connections.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every active connection, e.g. on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sessions := range m.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}
