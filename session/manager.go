package session

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager maintains the registry of all connected Sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session // playerID → session
	logger   *zap.Logger
}

// NewManager creates a new Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[int64]*Session),
		logger:   logger,
	}
}

// Register adds a session. If a previous session exists for the same player,
// it is closed first (handles duplicate login / reconnect).
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[s.PlayerID]; ok {
		old.Close()
		m.logger.Info("duplicate session displaced",
			zap.Int64("player_id", s.PlayerID))
	}
	m.sessions[s.PlayerID] = s
	m.logger.Info("player session registered",
		zap.Int64("player_id", s.PlayerID),
		zap.Int64("account_id", s.AccountID))
}

// Unregister removes the session for a player.
func (m *Manager) Unregister(playerID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, playerID)
	m.logger.Info("player session unregistered", zap.Int64("player_id", playerID))
}

// Get returns the session for a player, or nil if not found.
func (m *Manager) Get(playerID int64) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[playerID]
}

// GetByName finds the session for a player by name (case-insensitive).
func (m *Manager) GetByName(name string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nameLower := strings.ToLower(name)
	for _, s := range m.sessions {
		if strings.ToLower(s.PlayerName) == nameLower {
			return s
		}
	}
	return nil
}

// IsOnline reports whether a player is currently connected.
func (m *Manager) IsOnline(playerID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[playerID]
	return ok
}

// Count returns the number of currently connected sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns a snapshot slice of all current sessions.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastAll sends a packet to every connected session.
// Uses non-blocking send so slow connections cannot stall the broadcast.
func (m *Manager) BroadcastAll(pkt *Packet) {
	sessions := m.All()
	for _, s := range sessions {
		s.Send(pkt)
	}
}

// CloseAllSessions gracefully closes all connected sessions.
func (m *Manager) CloseAllSessions() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	// Wait for all sessions to close (with timeout)
	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		m.mu.RLock()
		count := len(m.sessions)
		m.mu.RUnlock()
		if count == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
