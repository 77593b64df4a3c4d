// ABOUTME: Registry of live agents keyed by client id.
// ABOUTME: Enforces one connection per id and only ever removes the exact connection it inserted.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrAgentAlreadyRegistered indicates a live agent already holds the requested id.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates no live agent holds the requested id.
var ErrAgentNotFound = errors.New("agent not found")

// Manager tracks registered agents.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*Connection),
		logger: logger,
	}
}

// Register adds a connection under its ID.
// Returns ErrAgentAlreadyRegistered if the ID is held by a live connection.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[conn.ID]; exists {
		return ErrAgentAlreadyRegistered
	}

	m.agents[conn.ID] = conn
	m.logger.Info("agent connected",
		"client_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"brand", conn.Device.Brand,
		"model", conn.Device.Model,
		"total_agents", len(m.agents),
	)
	return nil
}

// Unregister removes conn if, and only if, it is the connection currently
// registered under its ID. A stream that lost an identity conflict therefore
// cannot evict the agent that won. Reports whether anything was removed.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.agents[conn.ID]
	if !exists || current != conn {
		return false
	}
	delete(m.agents, conn.ID)
	m.logger.Info("agent disconnected",
		"client_id", conn.ID,
		"total_agents", len(m.agents),
	)
	return true
}

// GetAgent retrieves a live agent by ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[id]
	return conn, ok
}

// IsOnline reports whether an agent holds id.
func (m *Manager) IsOnline(id string) bool {
	_, ok := m.GetAgent(id)
	return ok
}

// ListAgents returns every online agent, ordered by client id.
func (m *Manager) ListAgents() []AgentInfo {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ClientID < infos[j].ClientID })
	return infos
}

// Count returns the number of online agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// CloseAll closes every registered stream. Handlers observe the closed
// streams and unregister themselves.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Close(reason); err != nil {
			m.logger.Debug("closing agent stream", "client_id", conn.ID, "error", err)
		}
	}
}
