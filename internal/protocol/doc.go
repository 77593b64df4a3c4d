// Package protocol defines the messages exchanged between the taskrelay gateway
// and its agents, and the codec that puts them on the wire.
//
// # Wire Format
//
// Each message is a single JSON object whose "type" field selects its shape:
//
//	register      agent -> gateway   client_id, timestamp, device_info
//	register_ack  gateway -> agent   success, message|error, error_code, server_time
//	heartbeat     agent -> gateway   client_id, is_busy, timestamp
//	task          gateway -> agent   task_id, app, workflow, params, timeout
//	result        agent -> gateway   task_id, success, message|error, error_code, duration
//	ping / pong   either direction
//	cancel        gateway -> agent   task_id (accepted, not acted on)
//
// # Error Codes
//
// Failures are reported as data, never as transport errors. Decode accepts the
// legacy "code" field and the legacy CLIENT_ID_CONFLICT name, normalising both
// into ErrorCode values.
//
// # Malformed Input
//
// Decode returns an error wrapping ErrMalformed or ErrUnknownType. Receivers log
// and drop such messages; the stream stays open.
package protocol
