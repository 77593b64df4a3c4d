// ABOUTME: Collaborator interfaces the agent runtime depends on.
// ABOUTME: Executor runs app workflows; DeviceProvider describes the driven device.

package worker

import (
	"context"
	"errors"

	"github.com/2389/taskrelay/internal/protocol"
)

var (
	// ErrAppNotFound is returned by an Executor that has no such app.
	ErrAppNotFound = errors.New("app not found")
	// ErrWorkflowNotFound is returned when the app exists but the workflow does not.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// Outcome is what a workflow reports when it ran to completion.
// A workflow that ran but did not achieve its goal sets Success=false and Error.
type Outcome struct {
	Success bool
	Message string
	Error   string
	// Code optionally classifies an unsuccessful outcome.
	Code protocol.ErrorCode
}

// Executor runs one workflow of one app.
type Executor interface {
	Execute(ctx context.Context, app, workflow string, params protocol.Params) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, app, workflow string, params protocol.Params) (Outcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, app, workflow string, params protocol.Params) (Outcome, error) {
	return f(ctx, app, workflow, params)
}

// DeviceProvider reports metadata about the device this agent drives.
type DeviceProvider interface {
	DeviceInfo(ctx context.Context) (protocol.DeviceInfo, error)
}

// StaticDevice is a DeviceProvider with fixed metadata.
type StaticDevice protocol.DeviceInfo

// DeviceInfo returns d unchanged.
func (d StaticDevice) DeviceInfo(context.Context) (protocol.DeviceInfo, error) {
	return protocol.DeviceInfo(d), nil
}
