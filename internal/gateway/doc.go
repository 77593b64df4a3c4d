// Package gateway orchestrates the taskrelay-gateway server components.
//
// # Overview
//
// The gateway owns the agent registry, the task correlator, the task ledger
// and the servers agents and operators talk to:
//
//   - HTTP: /ws agent streams, the operator API, health and metrics
//   - gRPC: the taskrelay.v1.Relay/Connect agent stream (optional)
//
// Both agent transports end up in the same stream supervisor, so an agent
// behaves identically whichever one it dials.
//
// # Agent Streams
//
// A stream starts unregistered. The first register message claims a
// client_id; the gateway answers with register_ack carrying server_time, or
// with INVALID_REQUEST or IDENTITY_CONFLICT. Heartbeats update the agent's
// busy flag and last-seen time; results are handed to the correlator. When the
// stream ends the agent is removed (only if it is still the registered holder
// of its id) and its session is closed in the ledger.
//
// # HTTP API
//
//   - POST /api/task/send - Dispatch a task and wait for its result
//   - GET /api/clients - List online agents
//   - GET /api/tasks - List ledger entries (?client_id, ?status, ?limit)
//   - GET /api/tasks/{id} - Fetch one ledger entry
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one agent online)
//   - GET /metrics - Prometheus metrics, when enabled
//
// When auth.jwt_secret is set, /ws and the gRPC stream require an agent
// token and /api/ requires an operator token.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	err = gw.Run(ctx) // blocks; shuts down when ctx ends
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown, listeners
//   - supervisor.go: per-stream handling for WebSocket and gRPC agents
//   - ledger.go: persists dispatched tasks and their outcomes
//   - api.go: HTTP handlers
package gateway
