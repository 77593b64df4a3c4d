// ABOUTME: Task observer that records dispatches and outcomes in the store.
// ABOUTME: Writes are queued and applied in order by a single goroutine.

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/taskrelay/internal/agent"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/store"
)

const (
	ledgerQueueSize    = 1024
	ledgerWriteTimeout = 5 * time.Second
)

type ledgerOp func(ctx context.Context) error

// ledger persists the task lifecycle without blocking the correlator.
type ledger struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan ledgerOp
	done   chan struct{}
}

func newLedger(s store.Store, logger *slog.Logger) *ledger {
	l := &ledger{
		store:  s,
		logger: logger,
		ops:    make(chan ledgerOp, ledgerQueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *ledger) run() {
	defer close(l.done)
	for op := range l.ops {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
		if err := op(ctx); err != nil {
			l.logger.Error("ledger write failed", "error", err)
		}
		cancel()
	}
}

func (l *ledger) enqueue(op ledgerOp) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ops <- op:
	default:
		l.logger.Warn("ledger queue full, dropping write")
	}
}

// TaskDispatched records a pending task.
func (l *ledger) TaskDispatched(clientID string, task *protocol.Task) {
	rec := &store.TaskRecord{
		ID:        task.TaskID,
		ClientID:  clientID,
		App:       task.App,
		Workflow:  task.Workflow,
		Params:    task.Params,
		Timeout:   task.Timeout,
		Status:    store.TaskPending,
		CreatedAt: time.Now(),
	}
	l.enqueue(func(ctx context.Context) error {
		return l.store.CreateTask(ctx, rec)
	})
}

// TaskSettled records the outcome. Dispatches that never sent a task are not persisted.
func (l *ledger) TaskSettled(_ string, task *protocol.Task, result *protocol.Result, _ time.Duration) {
	if task == nil {
		return
	}
	id := task.TaskID
	at := time.Now()
	l.enqueue(func(ctx context.Context) error {
		return l.store.SettleTask(ctx, id, result, at)
	})
}

func (l *ledger) ResultDiscarded(string, bool) {}

// Close flushes queued writes and stops the writer.
func (l *ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ops)
	l.mu.Unlock()
	<-l.done
}

var _ agent.TaskObserver = (*ledger)(nil)
