// ABOUTME: Represents a single registered agent and the stream it is reachable on.
// ABOUTME: Tracks device metadata plus the busy flag and heartbeat time the agent last reported.

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/transport"
)

// Connection is a registered agent. ID, Device, RemoteAddr and ConnectedAt
// are fixed at registration; the liveness fields change with each heartbeat.
type Connection struct {
	ID          string
	Device      protocol.DeviceInfo
	RemoteAddr  string
	ConnectedAt time.Time

	stream transport.Conn

	mu            sync.RWMutex
	busy          bool
	lastHeartbeat time.Time
}

// NewConnection wraps an accepted stream for an agent that asked to register as id.
func NewConnection(id string, device protocol.DeviceInfo, stream transport.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:            id,
		Device:        device,
		RemoteAddr:    stream.RemoteAddr(),
		ConnectedAt:   now,
		stream:        stream,
		lastHeartbeat: now,
	}
}

// Send writes a message to the agent's stream.
func (c *Connection) Send(ctx context.Context, m protocol.Message) error {
	return transport.Send(ctx, c.stream, m)
}

// Close closes the underlying stream.
func (c *Connection) Close(reason string) error {
	return c.stream.Close(reason)
}

// RecordHeartbeat stores the liveness data carried by a heartbeat.
func (c *Connection) RecordHeartbeat(busy bool, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = busy
	c.lastHeartbeat = at
}

// Busy reports the busy flag from the most recent heartbeat.
func (c *Connection) Busy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.busy
}

// LastHeartbeat returns when the agent last reported in.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Info returns a point-in-time copy suitable for listing.
func (c *Connection) Info() AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AgentInfo{
		ClientID:      c.ID,
		DeviceInfo:    c.Device,
		RemoteAddr:    c.RemoteAddr,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.lastHeartbeat,
		Busy:          c.busy,
		Connected:     true,
	}
}

// AgentInfo describes an online agent.
type AgentInfo struct {
	ClientID      string              `json:"client_id"`
	DeviceInfo    protocol.DeviceInfo `json:"device_info"`
	RemoteAddr    string              `json:"remote_addr"`
	ConnectedAt   time.Time           `json:"connected_at"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Busy          bool                `json:"busy"`
	Connected     bool                `json:"connected"`
}
