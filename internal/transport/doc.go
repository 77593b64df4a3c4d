// Package transport carries encoded protocol messages over a persistent
// duplex stream.
//
// Two network transports are provided. WebSocket text frames (one JSON message
// per frame) are served by the gateway at /ws and are what existing agents
// speak. A gRPC bidirectional stream, /taskrelay.v1.Relay/Connect, carries the
// same JSON bytes in opaque frames for deployments that already route gRPC.
//
// Both transports probe liveness below the application protocol: WebSocket
// pings on an interval, gRPC uses HTTP/2 keepalive. A stream that misses a
// probe is closed and its reader sees an error.
//
// Pipe returns an in-memory pair with the same semantics for tests.
package transport
