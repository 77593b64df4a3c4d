// ABOUTME: Correlates dispatched tasks with the results agents send back.
// ABOUTME: Each dispatch ends in exactly one outcome: a result, TIMEOUT, CANCELLED, SEND_ERROR or CLIENT_DISCONNECTED.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/settled"
)

const (
	DefaultTaskTimeout = 30 * time.Second
	DefaultSettledTTL  = 10 * time.Minute
	DefaultSettledSize = 10000
)

// outcomeResolved marks ids settled by a real result in the settled cache.
const outcomeResolved = "resolved"

// DispatchRequest names the agent and the workflow to run on it.
// A zero or negative Timeout means the correlator default.
type DispatchRequest struct {
	ClientID string          `json:"client_id"`
	App      string          `json:"app"`
	Workflow string          `json:"workflow"`
	Params   protocol.Params `json:"params,omitempty"`
	Timeout  time.Duration   `json:"-"`
}

// TaskObserver is notified as tasks move through the correlator.
// Implementations must not block.
type TaskObserver interface {
	// TaskDispatched is called after the task is pending and before it is sent.
	TaskDispatched(clientID string, task *protocol.Task)
	// TaskSettled is called once per dispatch. task is nil when nothing was sent.
	TaskSettled(clientID string, task *protocol.Task, result *protocol.Result, elapsed time.Duration)
	// ResultDiscarded is called for results that match no pending task.
	ResultDiscarded(taskID string, late bool)
}

// CorrelatorOptions configures a Correlator. Zero values take defaults.
type CorrelatorOptions struct {
	DefaultTimeout time.Duration
	// MaxTimeout caps per-task timeouts when positive.
	MaxTimeout  time.Duration
	SettledTTL  time.Duration
	SettledSize int
	Observers   []TaskObserver
	// NewTaskID overrides uuid generation in tests.
	NewTaskID func() string
}

type pendingTask struct {
	ch       chan *protocol.Result
	clientID string
}

// Correlator owns the pending-task map.
type Correlator struct {
	agents *Manager
	opts   CorrelatorOptions

	mu      sync.Mutex
	pending map[string]*pendingTask

	settled *settled.Cache
	logger  *slog.Logger
}

// NewCorrelator creates a correlator that dispatches to agents registered in mgr.
func NewCorrelator(mgr *Manager, opts CorrelatorOptions, logger *slog.Logger) *Correlator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTaskTimeout
	}
	if opts.SettledTTL <= 0 {
		opts.SettledTTL = DefaultSettledTTL
	}
	if opts.SettledSize <= 0 {
		opts.SettledSize = DefaultSettledSize
	}
	if opts.NewTaskID == nil {
		opts.NewTaskID = func() string { return uuid.New().String() }
	}
	return &Correlator{
		agents:  mgr,
		opts:    opts,
		pending: make(map[string]*pendingTask),
		settled: settled.New(opts.SettledTTL, opts.SettledSize),
		logger:  logger,
	}
}

// Close releases background resources.
func (c *Correlator) Close() {
	c.settled.Close()
}

// EffectiveTimeout applies the default and the cap to a requested timeout.
func (c *Correlator) EffectiveTimeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	if c.opts.MaxTimeout > 0 && timeout > c.opts.MaxTimeout {
		timeout = c.opts.MaxTimeout
	}
	return timeout
}

// Dispatch sends a task to a registered agent and waits for its outcome.
// Failures are returned as unsuccessful results, never as errors.
func (c *Correlator) Dispatch(ctx context.Context, req DispatchRequest) *protocol.Result {
	start := time.Now()

	conn, ok := c.agents.GetAgent(req.ClientID)
	if !ok {
		res := protocol.Failed("", protocol.CodeClientNotFound,
			fmt.Sprintf("client %q is not connected", req.ClientID))
		c.settle(req.ClientID, nil, res, time.Since(start))
		return res
	}

	timeout := c.EffectiveTimeout(req.Timeout)
	params := req.Params
	if params == nil {
		params = protocol.Params{}
	}
	task := &protocol.Task{
		Type:     protocol.TypeTask,
		TaskID:   c.opts.NewTaskID(),
		App:      req.App,
		Workflow: req.Workflow,
		Params:   params,
		Timeout:  timeout.Seconds(),
	}

	ch := make(chan *protocol.Result, 1)
	c.mu.Lock()
	c.pending[task.TaskID] = &pendingTask{ch: ch, clientID: req.ClientID}
	c.mu.Unlock()

	for _, o := range c.opts.Observers {
		o.TaskDispatched(req.ClientID, task)
	}

	res := c.await(ctx, conn, task, ch, timeout)
	c.settle(req.ClientID, task, res, time.Since(start))
	return res
}

func (c *Correlator) await(ctx context.Context, conn *Connection, task *protocol.Task, ch <-chan *protocol.Result, timeout time.Duration) *protocol.Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Caller cancellation only ends the wait; an interrupted WebSocket write
	// closes the agent's stream.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	err := conn.Send(sendCtx, task)
	cancel()
	if err != nil {
		c.logger.Warn("task send failed",
			"client_id", conn.ID,
			"task_id", task.TaskID,
			"error", err,
		)
		return c.expire(task.TaskID, ch, protocol.CodeSendError, fmt.Sprintf("sending task: %v", err))
	}

	c.logger.Info("task dispatched",
		"client_id", conn.ID,
		"task_id", task.TaskID,
		"app", task.App,
		"workflow", task.Workflow,
		"timeout", timeout,
	)

	select {
	case res := <-ch:
		return res
	case <-timer.C:
		return c.expire(task.TaskID, ch, protocol.CodeTimeout,
			fmt.Sprintf("task timed out after %s", timeout))
	case <-ctx.Done():
		return c.expire(task.TaskID, ch, protocol.CodeCancelled,
			fmt.Sprintf("dispatch cancelled: %v", ctx.Err()))
	}
}

// expire settles a task with code unless something else already removed it,
// in which case the winner's result is already on its way down ch.
func (c *Correlator) expire(taskID string, ch <-chan *protocol.Result, code protocol.ErrorCode, msg string) *protocol.Result {
	if c.take(taskID, string(code)) != nil {
		return protocol.Failed(taskID, code, msg)
	}
	return <-ch
}

// take removes a pending task and records how it settled. Removal is the
// single point that decides the outcome; nil means someone else won.
func (c *Correlator) take(taskID, outcome string) *pendingTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[taskID]
	if !ok {
		return nil
	}
	delete(c.pending, taskID)
	c.settled.Mark(taskID, outcome)
	return p
}

// Resolve delivers an agent's result to the waiting dispatcher. Results for
// tasks that are no longer pending are logged and dropped.
func (c *Correlator) Resolve(res *protocol.Result) {
	p := c.take(res.TaskID, outcomeResolved)
	if p == nil {
		outcome, late := c.settled.Lookup(res.TaskID)
		if late {
			c.logger.Info("discarding late result",
				"task_id", res.TaskID,
				"settled_as", outcome,
			)
		} else {
			c.logger.Warn("discarding result for unknown task", "task_id", res.TaskID)
		}
		for _, o := range c.opts.Observers {
			o.ResultDiscarded(res.TaskID, late)
		}
		return
	}
	p.ch <- res
}

// FailClient settles every task pending on clientID with CLIENT_DISCONNECTED.
// Returns the number of tasks failed.
func (c *Correlator) FailClient(clientID string) int {
	c.mu.Lock()
	var failed []string
	var chans []chan *protocol.Result
	for id, p := range c.pending {
		if p.clientID != clientID {
			continue
		}
		delete(c.pending, id)
		c.settled.Mark(id, string(protocol.CodeClientDisconnected))
		failed = append(failed, id)
		chans = append(chans, p.ch)
	}
	c.mu.Unlock()

	for i, id := range failed {
		chans[i] <- protocol.Failed(id, protocol.CodeClientDisconnected,
			fmt.Sprintf("client %q disconnected", clientID))
	}
	if len(failed) > 0 {
		c.logger.Info("failed pending tasks of disconnected client",
			"client_id", clientID,
			"count", len(failed),
		)
	}
	return len(failed)
}

// Pending returns the number of tasks awaiting an outcome.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) settle(clientID string, task *protocol.Task, res *protocol.Result, elapsed time.Duration) {
	if res.ErrorCode != "" {
		c.logger.Info("task settled",
			"client_id", clientID,
			"task_id", res.TaskID,
			"success", res.Success,
			"error_code", res.ErrorCode,
		)
	} else {
		c.logger.Info("task settled",
			"client_id", clientID,
			"task_id", res.TaskID,
			"success", res.Success,
			"duration", res.Duration,
		)
	}
	for _, o := range c.opts.Observers {
		o.TaskSettled(clientID, task, res, elapsed)
	}
}
