// ABOUTME: Built-in "demo" app for exercising the dispatch path without a device.
// ABOUTME: echo returns its input, sleep waits, fail reports an unsuccessful outcome.

package apps

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/worker"
)

// DemoApp is the name the demo workflows register under.
const DemoApp = "demo"

// maxDemoSleep caps the sleep workflow.
const maxDemoSleep = 10 * time.Minute

// RegisterDemo adds the demo workflows to r.
func RegisterDemo(r *Registry) error {
	for name, fn := range map[string]Workflow{
		"echo":  demoEcho,
		"sleep": demoSleep,
		"fail":  demoFail,
	} {
		if err := r.Register(DemoApp, name, fn); err != nil {
			return err
		}
	}
	return nil
}

func demoEcho(_ context.Context, params protocol.Params) (worker.Outcome, error) {
	text, ok := params["text"]
	if !ok {
		return worker.Outcome{Success: true, Message: "echo"}, nil
	}
	return worker.Outcome{Success: true, Message: fmt.Sprint(text)}, nil
}

func demoSleep(ctx context.Context, params protocol.Params) (worker.Outcome, error) {
	seconds, err := floatParam(params, "seconds", 1)
	if err != nil {
		return worker.Outcome{}, err
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < 0 || d > maxDemoSleep {
		return worker.Outcome{}, fmt.Errorf("seconds must be between 0 and %v", maxDemoSleep.Seconds())
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return worker.Outcome{Success: true, Message: fmt.Sprintf("slept %gs", seconds)}, nil
	case <-ctx.Done():
		return worker.Outcome{}, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}

func demoFail(_ context.Context, params protocol.Params) (worker.Outcome, error) {
	reason := "demo failure"
	if v, ok := params["reason"]; ok {
		reason = fmt.Sprint(v)
	}
	return worker.Outcome{Success: false, Error: reason}, nil
}

func floatParam(params protocol.Params, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}
