// Package agent tracks the agents connected to the gateway and correlates the
// tasks sent to them with the results they return.
//
// # Manager
//
// The Manager maps client ids to live connections:
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - Register(conn): add a connection; ErrAgentAlreadyRegistered if the id is live
//   - Unregister(conn): remove conn only if it is still the registered holder
//   - GetAgent(id), IsOnline(id): look up a live agent
//   - ListAgents(): all online agents, sorted by client id
//
// # Correlator
//
// The Correlator owns the pending-task map:
//
//	corr := agent.NewCorrelator(mgr, agent.CorrelatorOptions{}, logger)
//	res := corr.Dispatch(ctx, agent.DispatchRequest{ClientID: "dev-1", App: "wechat", Workflow: "scan_from_album"})
//
// Dispatch allocates a task id, records a pending entry with a one-slot result
// channel, and sends the task. The first of Resolve, the timeout, caller
// cancellation, or FailClient to remove the entry decides the outcome; the
// others see it gone and step aside. Results for ids that are not pending are
// dropped, and logged as late when the id settled recently.
//
// # Heartbeats
//
// Connections record the busy flag and time of the last heartbeat for
// listing. Heartbeats never cause eviction; dead streams are detected by the
// transport's keepalive and cleaned up by the stream handler.
//
// # Thread Safety
//
// Manager, Connection and Correlator are safe for concurrent use. The agent
// map and the pending map are guarded by separate mutexes.
package agent
