// ABOUTME: Per-stream agent handling shared by the WebSocket and gRPC transports.
// ABOUTME: Runs the registration handshake, records heartbeats, routes results and cleans up on close.

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/taskrelay/internal/agent"
	"github.com/2389/taskrelay/internal/metrics"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/store"
	"github.com/2389/taskrelay/internal/transport"
)

// cleanupTimeout bounds store writes made after a stream has ended.
const cleanupTimeout = 5 * time.Second

// agentStream is the gateway's view of one accepted stream.
type agentStream struct {
	conn      transport.Conn
	transport string
	logger    *slog.Logger

	// set once registration succeeds
	agent     *agent.Connection
	sessionID string
}

func (s *agentStream) clientID() string {
	if s.agent == nil {
		return ""
	}
	return s.agent.ID
}

// handleWebSocket handles GET /ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, g.keepAlive())
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close("stream ended")
	_ = g.serveStream(r.Context(), conn, "websocket")
}

// serveGRPC is the relay stream handler.
func (g *Gateway) serveGRPC(ctx context.Context, conn transport.Conn) error {
	return g.serveStream(ctx, conn, "grpc")
}

// serveStream reads from conn until it ends, the request ends or the gateway shuts down.
func (g *Gateway) serveStream(ctx context.Context, conn transport.Conn, kind string) error {
	g.streams.Add(1)
	defer g.streams.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	s := &agentStream{
		conn:      conn,
		transport: kind,
		logger:    g.logger.With("remote_addr", conn.RemoteAddr(), "transport", kind),
	}
	defer g.cleanupStream(s)

	s.logger.Debug("stream opened")
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				s.logger.Info("stream closed", "client_id", s.clientID())
				return nil
			}
			s.logger.Warn("stream read failed", "client_id", s.clientID(), "error", err)
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownType) {
				reason = "unknown_type"
			}
			s.logger.Warn("dropping message", "client_id", s.clientID(), "reason", reason, "error", err)
			g.metrics.IncDropped(reason)
			continue
		}
		g.handleMessage(ctx, s, msg)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, s *agentStream, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Register:
		g.handleRegister(ctx, s, m)
	case *protocol.Heartbeat:
		g.handleHeartbeat(ctx, s, m)
	case *protocol.Result:
		g.correlator.Resolve(m)
	case *protocol.Ping:
		if err := transport.Send(ctx, s.conn, &protocol.Pong{}); err != nil {
			s.logger.Warn("failed to answer ping", "error", err)
		}
	case *protocol.Pong:
		s.logger.Debug("pong", "client_id", s.clientID())
	default:
		s.logger.Warn("dropping unexpected message", "client_id", s.clientID(), "type", msg.Kind())
		g.metrics.IncDropped("unexpected")
	}
}

func (g *Gateway) handleRegister(ctx context.Context, s *agentStream, reg *protocol.Register) {
	if reg.ClientID == "" {
		g.metrics.IncRegistration(metrics.RegistrationInvalid)
		g.rejectRegistration(ctx, s, protocol.CodeInvalidRequest, "client_id is required")
		return
	}

	if s.agent != nil {
		if s.agent.ID == reg.ClientID {
			s.logger.Debug("repeated registration", "client_id", reg.ClientID)
			g.metrics.IncRegistration(metrics.RegistrationAccepted)
			g.acceptRegistration(ctx, s, "already registered")
			return
		}
		g.metrics.IncRegistration(metrics.RegistrationRepeated)
		g.rejectRegistration(ctx, s, protocol.CodeAlreadyRegistered,
			"stream is already registered as "+s.agent.ID)
		return
	}

	conn := agent.NewConnection(reg.ClientID, reg.DeviceInfo, s.conn)
	if err := g.agents.Register(conn); err != nil {
		if errors.Is(err, agent.ErrAgentAlreadyRegistered) {
			g.metrics.IncRegistration(metrics.RegistrationConflict)
			g.rejectRegistration(ctx, s, protocol.CodeIdentityConflict,
				"client_id "+reg.ClientID+" is already connected")
			return
		}
		s.logger.Error("registering agent", "client_id", reg.ClientID, "error", err)
		g.rejectRegistration(ctx, s, protocol.CodeInvalidRequest, "registration failed")
		return
	}

	s.agent = conn
	s.sessionID = uuid.NewString()
	s.logger = s.logger.With("client_id", conn.ID)
	g.metrics.IncRegistration(metrics.RegistrationAccepted)
	g.metrics.SetAgentsConnected(g.agents.Count())

	session := &store.AgentSession{
		ID:            s.sessionID,
		ClientID:      conn.ID,
		RemoteAddr:    conn.RemoteAddr,
		Transport:     s.transport,
		Device:        conn.Device,
		ConnectedAt:   conn.ConnectedAt,
		LastHeartbeat: conn.ConnectedAt,
	}
	if err := g.store.OpenSession(ctx, session); err != nil {
		s.logger.Error("recording agent session", "error", err)
	}

	s.logger.Info("agent registered",
		"brand", reg.DeviceInfo.Brand,
		"model", reg.DeviceInfo.Model,
		"os_version", reg.DeviceInfo.OSVersion,
	)
	g.acceptRegistration(ctx, s, "registered as "+conn.ID)
}

func (g *Gateway) acceptRegistration(ctx context.Context, s *agentStream, message string) {
	ack := &protocol.RegisterAck{
		Success:    true,
		Message:    message,
		ServerTime: time.Now().Unix(),
	}
	if err := transport.Send(ctx, s.conn, ack); err != nil {
		s.logger.Warn("failed to send register_ack", "error", err)
	}
}

func (g *Gateway) rejectRegistration(ctx context.Context, s *agentStream, code protocol.ErrorCode, reason string) {
	s.logger.Warn("registration rejected", "error_code", code, "reason", reason)
	ack := &protocol.RegisterAck{
		Success:    false,
		Error:      reason,
		ErrorCode:  code,
		ServerTime: time.Now().Unix(),
	}
	if err := transport.Send(ctx, s.conn, ack); err != nil {
		s.logger.Warn("failed to send register_ack", "error", err)
	}
}

func (g *Gateway) handleHeartbeat(ctx context.Context, s *agentStream, hb *protocol.Heartbeat) {
	if s.agent == nil {
		s.logger.Warn("heartbeat before registration", "claimed_client_id", hb.ClientID)
		g.metrics.IncDropped("unregistered")
		return
	}
	now := time.Now()
	s.agent.RecordHeartbeat(hb.IsBusy, now)
	g.metrics.IncHeartbeat()
	if err := g.store.TouchSession(ctx, s.sessionID, now); err != nil {
		s.logger.Warn("recording heartbeat", "error", err)
	}
	s.logger.Debug("heartbeat", "busy", hb.IsBusy)
}

// cleanupStream forgets a finished stream's agent. Pending tasks are left to
// their own timeouts unless agents.fail_pending_on_disconnect is set.
func (g *Gateway) cleanupStream(s *agentStream) {
	if s.agent == nil {
		return
	}
	removed := g.agents.Unregister(s.agent)
	if removed {
		s.logger.Info("agent disconnected")
	}
	g.metrics.SetAgentsConnected(g.agents.Count())

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := g.store.CloseSession(ctx, s.sessionID, time.Now()); err != nil {
		s.logger.Warn("closing agent session", "error", err)
	}

	if removed && g.config.Agents.FailPendingOnDisconnect {
		if n := g.correlator.FailClient(s.agent.ID); n > 0 {
			s.logger.Info("failed pending tasks of disconnected agent", "count", n)
		}
	}
}
