// ABOUTME: Tests for gateway construction, lifecycle and end-to-end dispatch.
// ABOUTME: Runs a real agent client against the gateway over WebSocket and gRPC.

package gateway

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskrelay/internal/agent"
	"github.com/2389/taskrelay/internal/apps"
	"github.com/2389/taskrelay/internal/auth"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/store"
	"github.com/2389/taskrelay/internal/transport"
	"github.com/2389/taskrelay/internal/worker"
)

func TestNewUsesMemoryStoreByDefault(t *testing.T) {
	t.Setenv("TASKRELAY_DB_PATH", "")
	gw := newTestGateway(t, testConfig(t))

	_, ok := gw.store.(*store.MemoryStore)
	assert.True(t, ok, "expected memory store, got %T", gw.store)
	assert.Nil(t, gw.grpcServer, "gRPC is off without grpc_addr")
	assert.NotNil(t, gw.Correlator())
	assert.NotNil(t, gw.Agents())
}

func TestNewWithSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	gw := newTestGateway(t, cfg)

	_, ok := gw.store.(*store.SQLiteStore)
	assert.True(t, ok, "expected sqlite store, got %T", gw.store)
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	client := &http.Client{Timeout: time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shut down")
	}

	// Shutdown is idempotent.
	assert.NoError(t, gw.Shutdown(context.Background()))
}

// startAgent runs a worker client with the demo apps until the test ends.
func startAgent(t *testing.T, id string, dial transport.Dialer) *worker.Client {
	t.Helper()
	reg := apps.NewRegistry(testLogger())
	require.NoError(t, apps.RegisterDemo(reg))

	c, err := worker.NewClient(worker.Options{
		ClientID:          id,
		Dial:              dial,
		Executor:          reg,
		Device:            worker.StaticDevice{Brand: "Google", Model: "Pixel 7"},
		ReconnectInterval: 50 * time.Millisecond,
		HeartbeatInterval: time.Second,
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestEndToEndWebSocket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = testSecret
	gw := newTestGateway(t, cfg)
	srv := newTestServer(t, gw)

	verifier := auth.NewJWTVerifier([]byte(testSecret))
	agentToken, err := verifier.Generate("dev-1", auth.RoleAgent, time.Hour)
	require.NoError(t, err)
	operatorToken, err := verifier.Generate("ops", auth.RoleOperator, time.Hour)
	require.NoError(t, err)

	c := startAgent(t, "dev-1", transport.NewDialer(wsURL(srv), transport.DialOptions{Token: agentToken}))
	require.Eventually(t, func() bool {
		return gw.agents.IsOnline("dev-1") && c.State() == worker.StateActive
	}, 5*time.Second, 10*time.Millisecond)

	req := newRequest(t, http.MethodPost, srv.URL+"/api/task/send",
		`{"client_id":"dev-1","app":"demo","workflow":"echo","params":{"text":"hello"},"timeout":5}`)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	status, body := getBody(t, srv.Client(), req)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"success":true`)
	assert.Contains(t, body, `"message":"hello"`)

	req = newRequest(t, http.MethodPost, srv.URL+"/api/task/send",
		`{"client_id":"dev-1","app":"calculator","workflow":"add"}`)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	_, body = getBody(t, srv.Client(), req)
	assert.Contains(t, body, string(protocol.CodeAppNotFound))
}

func TestEndToEndWebSocketRejectsMissingToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = testSecret
	gw := newTestGateway(t, cfg)
	srv := newTestServer(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := transport.Dial(ctx, wsURL(srv), transport.DialOptions{})
	assert.Error(t, err)
}

func TestEndToEndGRPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw := newTestGateway(t, cfg)
	require.NotNil(t, gw.grpcServer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gw.grpcServer.Serve(ln) }()

	startAgent(t, "dev-grpc", transport.NewDialer("grpc://"+ln.Addr().String(), transport.DialOptions{}))
	require.Eventually(t, func() bool {
		return gw.agents.IsOnline("dev-grpc")
	}, 5*time.Second, 10*time.Millisecond)

	res := gw.Correlator().Dispatch(context.Background(), agent.DispatchRequest{
		ClientID: "dev-grpc",
		App:      "demo",
		Workflow: "fail",
		Params:   protocol.Params{"reason": "screen locked"},
		Timeout:  5 * time.Second,
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "screen locked")

	res = gw.Correlator().Dispatch(context.Background(), agent.DispatchRequest{
		ClientID: "dev-grpc",
		App:      "demo",
		Workflow: "echo",
		Params:   protocol.Params{"text": "over grpc"},
	})
	assert.True(t, res.Success)
	assert.Equal(t, "over grpc", res.Message)
}
