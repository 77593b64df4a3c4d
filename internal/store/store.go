// ABOUTME: Storage interface and models for the task ledger and agent sessions.
// ABOUTME: Implemented by SQLiteStore for persistence and MemoryStore for tests.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
)

// ErrNotFound is returned when a requested record doesn't exist
var ErrNotFound = errors.New("not found")

// TaskStatus is the lifecycle state of a ledger entry.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskRecord is one dispatched task and, once settled, its outcome.
type TaskRecord struct {
	ID        string             `json:"task_id"`
	ClientID  string             `json:"client_id"`
	App       string             `json:"app"`
	Workflow  string             `json:"workflow"`
	Params    protocol.Params    `json:"params"`
	Timeout   float64            `json:"timeout"`
	Status    TaskStatus         `json:"status"`
	Message   string             `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode protocol.ErrorCode `json:"error_code,omitempty"`
	Duration  float64            `json:"duration,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	SettledAt *time.Time         `json:"settled_at,omitempty"`
}

// AgentSession is one registered stream from connect to disconnect.
type AgentSession struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"client_id"`
	RemoteAddr     string              `json:"remote_addr"`
	Transport      string              `json:"transport"`
	Device         protocol.DeviceInfo `json:"device_info"`
	ConnectedAt    time.Time           `json:"connected_at"`
	LastHeartbeat  time.Time           `json:"last_heartbeat"`
	DisconnectedAt *time.Time          `json:"disconnected_at,omitempty"`
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	ClientID string
	Status   TaskStatus
	Limit    int
}

// DefaultListLimit applies when a list call passes a non-positive limit.
const DefaultListLimit = 100

// Store persists the task ledger and agent sessions.
type Store interface {
	// CreateTask records a dispatched task in the pending state.
	CreateTask(ctx context.Context, task *TaskRecord) error
	// SettleTask stores the outcome of a task. Returns ErrNotFound for unknown ids.
	SettleTask(ctx context.Context, id string, result *protocol.Result, settledAt time.Time) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	// ListTasks returns tasks newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)

	OpenSession(ctx context.Context, session *AgentSession) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id string, at time.Time) error
	// ListSessions returns sessions newest first, optionally for one client.
	ListSessions(ctx context.Context, clientID string, limit int) ([]*AgentSession, error)

	Close() error
}

// statusOf maps a result onto a ledger status.
func statusOf(result *protocol.Result) TaskStatus {
	if result.Success {
		return TaskSucceeded
	}
	return TaskFailed
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
