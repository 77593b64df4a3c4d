// ABOUTME: Shared fixtures for gateway tests.
// ABOUTME: Builds in-memory gateways and drives agent streams over transport pipes.

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/taskrelay/internal/config"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/transport"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: freeAddr(t),
		},
		Agents: config.AgentsConfig{
			KeepaliveInterval: 30 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Tasks: config.TasksConfig{
			DefaultTimeout: 5 * time.Second,
			MaxTimeout:     time.Minute,
			SettledTTL:     time.Minute,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// newTestServer serves gw's HTTP handler on a loopback port.
func newTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// peer is the agent end of an in-memory stream served by the gateway.
type peer struct {
	conn transport.Conn
	done chan struct{}
}

func connectPipe(t *testing.T, gw *Gateway) *peer {
	t.Helper()
	agentEnd, gatewayEnd := transport.Pipe()
	p := &peer{conn: agentEnd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		_ = gw.serveStream(context.Background(), gatewayEnd, "pipe")
	}()
	t.Cleanup(func() { p.close(t) })
	return p
}

// close drops the stream and waits for the gateway to clean it up.
func (p *peer) close(t *testing.T) {
	t.Helper()
	_ = p.conn.Close("test")
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Error("gateway did not finish the stream")
	}
}

func (p *peer) send(t *testing.T, m protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, transport.Send(ctx, p.conn, m))
}

func (p *peer) next(t *testing.T) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := p.conn.Read(ctx)
	require.NoError(t, err, "waiting for message from gateway")
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func nextOf[T protocol.Message](t *testing.T, p *peer) T {
	t.Helper()
	msg := p.next(t)
	typed, ok := msg.(T)
	require.True(t, ok, "unexpected message %T", msg)
	return typed
}

func (p *peer) register(t *testing.T, id string) *protocol.RegisterAck {
	t.Helper()
	p.send(t, &protocol.Register{
		ClientID:   id,
		Timestamp:  time.Now().Unix(),
		DeviceInfo: protocol.DeviceInfo{Brand: "Google", Model: "Pixel 7", OSVersion: "14", ScreenSize: "1080x2400"},
	})
	return nextOf[*protocol.RegisterAck](t, p)
}

func getBody(t *testing.T, client *http.Client, req *http.Request) (int, string) {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}
