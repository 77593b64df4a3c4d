// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists the task ledger and agent sessions with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/taskrelay/internal/protocol"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL,
			app         TEXT NOT NULL,
			workflow    TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			timeout     REAL NOT NULL,
			status      TEXT NOT NULL,
			message     TEXT,
			error       TEXT,
			error_code  TEXT,
			duration    REAL,
			created_at  TEXT NOT NULL,
			settled_at  TEXT,

			CHECK (status IN ('pending', 'succeeded', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_client_created
			ON tasks(client_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_tasks_created
			ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS agent_sessions (
			id              TEXT PRIMARY KEY,
			client_id       TEXT NOT NULL,
			remote_addr     TEXT NOT NULL,
			transport       TEXT NOT NULL,
			device_json     TEXT NOT NULL DEFAULT '{}',
			connected_at    TEXT NOT NULL,
			last_heartbeat  TEXT NOT NULL,
			disconnected_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_agent_sessions_client
			ON agent_sessions(client_id, connected_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func parseNullTime(field string, value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(field, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString converts empty strings to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateTask inserts a pending ledger entry.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	params := task.Params
	if params == nil {
		params = protocol.Params{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}

	status := task.Status
	if status == "" {
		status = TaskPending
	}

	query := `
		INSERT INTO tasks (id, client_id, app, workflow, params_json, timeout, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.ClientID,
		task.App,
		task.Workflow,
		string(paramsJSON),
		task.Timeout,
		string(status),
		formatTime(task.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("task %s already recorded: %w", task.ID, err)
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("recorded task", "task_id", task.ID, "client_id", task.ClientID)
	return nil
}

// SettleTask stores the outcome of a task.
func (s *SQLiteStore) SettleTask(ctx context.Context, id string, result *protocol.Result, settledAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = ?, message = ?, error = ?, error_code = ?, duration = ?, settled_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(statusOf(result)),
		nullString(result.Message),
		nullString(result.Error),
		nullString(string(result.ErrorCode)),
		result.Duration,
		formatTime(settledAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("settling task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id, client_id, app, workflow, params_json, timeout, status,
	message, error, error_code, duration, created_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var (
		task                        TaskRecord
		paramsJSON, status, created string
		message, errMsg, errorCode  sql.NullString
		duration                    sql.NullFloat64
		settled                     sql.NullString
	)
	err := row.Scan(
		&task.ID,
		&task.ClientID,
		&task.App,
		&task.Workflow,
		&paramsJSON,
		&task.Timeout,
		&status,
		&message,
		&errMsg,
		&errorCode,
		&duration,
		&created,
		&settled,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &task.Params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	task.Status = TaskStatus(status)
	task.Message = message.String
	task.Error = errMsg.String
	task.ErrorCode = protocol.ErrorCode(errorCode.String)
	task.Duration = duration.Float64

	if task.CreatedAt, err = parseTime("created_at", created); err != nil {
		return nil, err
	}
	if task.SettledAt, err = parseNullTime("settled_at", settled); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

// OpenSession records a newly registered stream.
func (s *SQLiteStore) OpenSession(ctx context.Context, session *AgentSession) error {
	deviceJSON, err := json.Marshal(session.Device)
	if err != nil {
		return fmt.Errorf("encoding device info: %w", err)
	}

	lastHeartbeat := session.LastHeartbeat
	if lastHeartbeat.IsZero() {
		lastHeartbeat = session.ConnectedAt
	}

	query := `
		INSERT INTO agent_sessions (id, client_id, remote_addr, transport, device_json, connected_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		session.ClientID,
		session.RemoteAddr,
		session.Transport,
		string(deviceJSON),
		formatTime(session.ConnectedAt),
		formatTime(lastHeartbeat),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// TouchSession updates the last heartbeat time of an open session.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.updateSession(ctx, `UPDATE agent_sessions SET last_heartbeat = ? WHERE id = ?`, id, at)
}

// CloseSession marks a session disconnected.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, at time.Time) error {
	return s.updateSession(ctx, `UPDATE agent_sessions SET disconnected_at = ? WHERE id = ?`, id, at)
}

func (s *SQLiteStore) updateSession(ctx context.Context, query, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, query, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, clientID string, limit int) ([]*AgentSession, error) {
	query := `
		SELECT id, client_id, remote_addr, transport, device_json, connected_at, last_heartbeat, disconnected_at
		FROM agent_sessions
	`
	var args []any
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY connected_at DESC LIMIT ?`
	args = append(args, listLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*AgentSession
	for rows.Next() {
		var (
			sess                      AgentSession
			deviceJSON, connected, hb string
			disconnected              sql.NullString
		)
		if err := rows.Scan(
			&sess.ID,
			&sess.ClientID,
			&sess.RemoteAddr,
			&sess.Transport,
			&deviceJSON,
			&connected,
			&hb,
			&disconnected,
		); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if err := json.Unmarshal([]byte(deviceJSON), &sess.Device); err != nil {
			return nil, fmt.Errorf("decoding device info: %w", err)
		}
		if sess.ConnectedAt, err = parseTime("connected_at", connected); err != nil {
			return nil, err
		}
		if sess.LastHeartbeat, err = parseTime("last_heartbeat", hb); err != nil {
			return nil, err
		}
		if sess.DisconnectedAt, err = parseNullTime("disconnected_at", disconnected); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

var _ Store = (*SQLiteStore)(nil)
