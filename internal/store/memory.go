// ABOUTME: In-memory Store implementation
// ABOUTME: Used by tests and by gateways configured without a database path

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
)

// MemoryStore keeps the ledger and sessions in maps. Contents are lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*TaskRecord
	sessions map[string]*AgentSession
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*TaskRecord),
		sessions: make(map[string]*AgentSession),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy to avoid external modification
	t := *task
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Params == nil {
		t.Params = protocol.Params{}
	}
	m.tasks[t.ID] = &t
	return nil
}

func (m *MemoryStore) SettleTask(_ context.Context, id string, result *protocol.Result, settledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = statusOf(result)
	t.Message = result.Message
	t.Error = result.Error
	t.ErrorCode = result.ErrorCode
	t.Duration = result.Duration
	at := settledAt
	t.SettledAt = &at
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TaskRecord
	for _, t := range m.tasks {
		if filter.ClientID != "" && t.ClientID != filter.ClientID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := listLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenSession(_ context.Context, session *AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *session
	if s.LastHeartbeat.IsZero() {
		s.LastHeartbeat = s.ConnectedAt
	}
	m.sessions[s.ID] = &s
	return nil
}

func (m *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastHeartbeat = at
	return nil
}

func (m *MemoryStore) CloseSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.DisconnectedAt = &at
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, clientID string, limit int) ([]*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AgentSession
	for _, s := range m.sessions {
		if clientID != "" && s.ClientID != clientID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.After(out[j].ConnectedAt) })
	if l := listLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
