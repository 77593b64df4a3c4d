// Package metrics defines the Prometheus collectors exported by the gateway
// at /metrics: registered agents, registration outcomes, heartbeats, task
// dispatches and their outcomes, and discarded results.
package metrics
