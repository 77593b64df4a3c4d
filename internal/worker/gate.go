// ABOUTME: Single-concurrency gate that runs tasks and reports coded results.
// ABOUTME: Busy is claimed by compare-and-swap and always released before the result is sent.

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
)

// ReportFunc delivers a finished result to the gateway.
type ReportFunc func(res *protocol.Result)

// Gate runs at most one task at a time.
type Gate struct {
	exec   Executor
	report ReportFunc
	logger *slog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup
}

// NewGate creates a gate that runs tasks on exec and hands results to report.
func NewGate(exec Executor, report ReportFunc, logger *slog.Logger) *Gate {
	return &Gate{
		exec:   exec,
		report: report,
		logger: logger.With("component", "gate"),
	}
}

// Busy reports whether a task is running.
func (g *Gate) Busy() bool {
	return g.busy.Load()
}

// Handle starts task in the background, or rejects it with DEVICE_BUSY.
// It never blocks on execution. ctx bounds the task's run.
func (g *Gate) Handle(ctx context.Context, task *protocol.Task) {
	if !g.busy.CompareAndSwap(false, true) {
		g.logger.Warn("rejecting task, device busy",
			"task_id", task.TaskID,
			"app", task.App,
			"workflow", task.Workflow,
		)
		g.report(protocol.Failed(task.TaskID, protocol.CodeDeviceBusy, "device is busy with another task"))
		return
	}

	g.logger.Info("task started",
		"task_id", task.TaskID,
		"app", task.App,
		"workflow", task.Workflow,
	)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		res := g.run(ctx, task)
		if res.Success {
			g.logger.Info("task succeeded", "task_id", task.TaskID, "duration", res.Duration)
		} else {
			g.logger.Warn("task failed",
				"task_id", task.TaskID,
				"error_code", res.ErrorCode,
				"error", res.Error,
				"duration", res.Duration,
			)
		}
		g.report(res)
	}()
}

// Wait blocks until every started task has reported.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// run executes the task. Busy is released on every exit path, panics included,
// before the caller reports.
func (g *Gate) run(ctx context.Context, task *protocol.Task) (res *protocol.Result) {
	start := time.Now()
	defer g.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("task panicked", "task_id", task.TaskID, "panic", r)
			res = protocol.Failed(task.TaskID, protocol.CodeExecutionError, fmt.Sprintf("panic: %v", r))
		}
		res.TaskID = task.TaskID
		res.Duration = roundSeconds(time.Since(start))
	}()

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.Timeout*float64(time.Second)))
		defer cancel()
	}

	out, err := g.exec.Execute(ctx, task.App, task.Workflow, task.Params)
	switch {
	case errors.Is(err, ErrAppNotFound):
		return protocol.Failed(task.TaskID, protocol.CodeAppNotFound, err.Error())
	case err != nil:
		return protocol.Failed(task.TaskID, protocol.CodeExecutionError, err.Error())
	}

	res = &protocol.Result{
		Type:    protocol.TypeResult,
		Success: out.Success,
		Message: out.Message,
		Error:   out.Error,
	}
	if !out.Success {
		res.ErrorCode = out.Code
	}
	return res
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
