// ABOUTME: Thread-safe registry of apps and their workflows.
// ABOUTME: Implements worker.Executor by looking up and running the named workflow.

package apps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/worker"
)

// ErrWorkflowExists indicates the app already has a workflow with that name.
var ErrWorkflowExists = errors.New("workflow already registered")

// Workflow performs one automation sequence.
type Workflow func(ctx context.Context, params protocol.Params) (worker.Outcome, error)

// Registry holds workflows by app name, then workflow name.
type Registry struct {
	mu     sync.RWMutex
	apps   map[string]map[string]Workflow
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		apps:   make(map[string]map[string]Workflow),
		logger: logger.With("component", "apps"),
	}
}

// Register adds a workflow. Returns ErrWorkflowExists on a duplicate.
func (r *Registry) Register(app, workflow string, fn Workflow) error {
	if app == "" || workflow == "" {
		return errors.New("app and workflow names are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	flows, ok := r.apps[app]
	if !ok {
		flows = make(map[string]Workflow)
		r.apps[app] = flows
	}
	if _, exists := flows[workflow]; exists {
		return fmt.Errorf("%w: %s/%s", ErrWorkflowExists, app, workflow)
	}
	flows[workflow] = fn
	r.logger.Debug("registered workflow", "app", app, "workflow", workflow)
	return nil
}

// Execute runs app/workflow. Unknown apps wrap worker.ErrAppNotFound and
// unknown workflows wrap worker.ErrWorkflowNotFound.
func (r *Registry) Execute(ctx context.Context, app, workflow string, params protocol.Params) (worker.Outcome, error) {
	r.mu.RLock()
	flows, ok := r.apps[app]
	var fn Workflow
	if ok {
		fn = flows[workflow]
	}
	r.mu.RUnlock()

	if !ok {
		return worker.Outcome{}, fmt.Errorf("%w: %q", worker.ErrAppNotFound, app)
	}
	if fn == nil {
		return worker.Outcome{}, fmt.Errorf("%w: %q in app %q", worker.ErrWorkflowNotFound, workflow, app)
	}
	if params == nil {
		params = protocol.Params{}
	}
	return fn(ctx, params)
}

// Apps lists registered app names, sorted.
func (r *Registry) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workflows lists the workflows of app, sorted. Nil if the app is unknown.
func (r *Registry) Workflows(app string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flows, ok := r.apps[app]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(flows))
	for name := range flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ worker.Executor = (*Registry)(nil)
