// Package apps provides the workflow executor used by taskrelay-agent.
//
// A Registry maps app and workflow names to Workflow functions and satisfies
// worker.Executor. Two sources of workflows ship with the agent: the built-in
// "demo" app (echo, sleep, fail) and command workflows declared in the agent
// config, which run an external program with {param} placeholders filled in
// from the task parameters.
package apps
