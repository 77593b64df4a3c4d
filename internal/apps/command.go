// ABOUTME: Workflows that run an external command declared in the agent config.
// ABOUTME: Arguments may contain {param} placeholders filled from task parameters.

package apps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/2389/taskrelay/internal/config"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/worker"
)

// maxOutput is how much combined output a command result carries.
const maxOutput = 4096

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// CommandWorkflow builds a Workflow that runs cfg.Command.
func CommandWorkflow(cfg config.WorkflowConfig) Workflow {
	argv := append([]string(nil), cfg.Command...)
	dir := cfg.Dir
	return func(ctx context.Context, params protocol.Params) (worker.Outcome, error) {
		args, err := expandArgs(argv, params)
		if err != nil {
			return worker.Outcome{}, err
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		runErr := cmd.Run()
		output := truncate(strings.TrimSpace(out.String()), maxOutput)

		var exitErr *exec.ExitError
		switch {
		case runErr == nil:
			return worker.Outcome{Success: true, Message: output}, nil
		case errors.As(runErr, &exitErr) && ctx.Err() == nil:
			msg := fmt.Sprintf("%s exited with status %d", args[0], exitErr.ExitCode())
			if output != "" {
				msg += ": " + output
			}
			return worker.Outcome{Success: false, Error: msg}, nil
		default:
			return worker.Outcome{}, fmt.Errorf("running %s: %w", args[0], runErr)
		}
	}
}

// RegisterCommands adds every configured command workflow to r.
func RegisterCommands(r *Registry, workflows []config.WorkflowConfig) error {
	for _, wf := range workflows {
		if len(wf.Command) == 0 {
			return fmt.Errorf("workflow %s/%s has no command", wf.App, wf.Name)
		}
		if err := r.Register(wf.App, wf.Name, CommandWorkflow(wf)); err != nil {
			return err
		}
	}
	return nil
}

// expandArgs fills {name} placeholders. A placeholder without a param is an error.
func expandArgs(argv []string, params protocol.Params) ([]string, error) {
	out := make([]string, len(argv))
	var missing []string
	for i, arg := range argv {
		out[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := params[key]
			if !ok {
				missing = append(missing, key)
				return m
			}
			return formatParam(v)
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing params: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func formatParam(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
