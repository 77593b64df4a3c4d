// ABOUTME: Tests for the per-stream agent supervisor.
// ABOUTME: Covers registration outcomes, heartbeats, malformed input, cleanup and dispatch scenarios.

package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskrelay/internal/agent"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/store"
)

func TestRegisterAccepted(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)

	before := time.Now().Unix()
	ack := p.register(t, "dev-1")
	assert.True(t, ack.Success)
	assert.Empty(t, ack.ErrorCode)
	assert.GreaterOrEqual(t, ack.ServerTime, before)

	assert.True(t, gw.agents.IsOnline("dev-1"))

	sessions, err := gw.store.ListSessions(context.Background(), "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "pipe", sessions[0].Transport)
	assert.Equal(t, "Pixel 7", sessions[0].Device.Model)
	assert.Nil(t, sessions[0].DisconnectedAt)
}

func TestRegisterEmptyID(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)

	ack := p.register(t, "")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeInvalidRequest, ack.ErrorCode)
	assert.Equal(t, 0, gw.agents.Count())
}

func TestRegisterConflictKeepsHolder(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	holder := connectPipe(t, gw)
	require.True(t, holder.register(t, "dev-1").Success)

	dup := connectPipe(t, gw)
	ack := dup.register(t, "dev-1")
	assert.False(t, ack.Success)
	assert.Equal(t, protocol.CodeIdentityConflict, ack.ErrorCode)

	// The rejected stream going away must not evict the live holder.
	dup.close(t)
	assert.True(t, gw.agents.IsOnline("dev-1"))

	// The holder still answers on its own stream.
	holder.send(t, &protocol.Ping{})
	nextOf[*protocol.Pong](t, holder)
}

func TestRegisterTwiceOnOneStream(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)
	require.True(t, p.register(t, "dev-1").Success)

	again := p.register(t, "dev-1")
	assert.True(t, again.Success, "same id is acknowledged idempotently")

	other := p.register(t, "dev-2")
	assert.False(t, other.Success)
	assert.Equal(t, protocol.CodeAlreadyRegistered, other.ErrorCode)

	assert.True(t, gw.agents.IsOnline("dev-1"))
	assert.False(t, gw.agents.IsOnline("dev-2"))
	assert.Equal(t, 1, gw.agents.Count())
}

func TestHeartbeatRecordsBusy(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)
	require.True(t, p.register(t, "dev-1").Success)

	p.send(t, &protocol.Heartbeat{ClientID: "dev-1", IsBusy: true, Timestamp: time.Now().Unix()})

	require.Eventually(t, func() bool {
		conn, ok := gw.agents.GetAgent("dev-1")
		return ok && conn.Busy()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnregisteredHeartbeatAndMalformedAreDropped(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	srv := newTestServer(t, gw)
	p := connectPipe(t, gw)

	p.send(t, &protocol.Heartbeat{ClientID: "ghost"})
	require.NoError(t, p.conn.Write(context.Background(), []byte("not json")))
	require.NoError(t, p.conn.Write(context.Background(), []byte(`{"type":"reboot"}`)))

	// The stream stays open.
	p.send(t, &protocol.Ping{})
	nextOf[*protocol.Pong](t, p)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	status, body := getBody(t, srv.Client(), req)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `taskrelay_gateway_messages_dropped_total{reason="unregistered"} 1`)
	assert.Contains(t, body, `taskrelay_gateway_messages_dropped_total{reason="malformed"} 1`)
	assert.Contains(t, body, `taskrelay_gateway_messages_dropped_total{reason="unknown_type"} 1`)
}

func TestDisconnectCleansUp(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)
	require.True(t, p.register(t, "dev-1").Success)

	p.close(t)
	assert.False(t, gw.agents.IsOnline("dev-1"))

	sessions, err := gw.store.ListSessions(context.Background(), "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].DisconnectedAt)

	// The id is free again.
	p2 := connectPipe(t, gw)
	assert.True(t, p2.register(t, "dev-1").Success)
}

// dispatchAsync runs Dispatch in the background.
func dispatchAsync(gw *Gateway, req agent.DispatchRequest) <-chan *protocol.Result {
	out := make(chan *protocol.Result, 1)
	go func() { out <- gw.correlator.Dispatch(context.Background(), req) }()
	return out
}

func awaitResult(t *testing.T, ch <-chan *protocol.Result) *protocol.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return")
		return nil
	}
}

func TestScenarioSuccessfulDispatch(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)
	require.True(t, p.register(t, "dev-1").Success)

	resCh := dispatchAsync(gw, agent.DispatchRequest{
		ClientID: "dev-1",
		App:      "wechat",
		Workflow: "scan_from_album",
		Params:   protocol.Params{"image_index": 0},
		Timeout:  5 * time.Second,
	})

	task := nextOf[*protocol.Task](t, p)
	assert.Equal(t, "wechat", task.App)
	assert.Equal(t, "scan_from_album", task.Workflow)
	assert.Equal(t, float64(0), task.Params["image_index"])
	assert.Equal(t, float64(5), task.Timeout)

	p.send(t, &protocol.Result{TaskID: task.TaskID, Success: true, Message: "scanned", Duration: 1.23})

	res := awaitResult(t, resCh)
	assert.True(t, res.Success)
	assert.Equal(t, task.TaskID, res.TaskID)
	assert.Equal(t, 1.23, res.Duration)

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetTask(context.Background(), task.TaskID)
		return err == nil && rec.Status == store.TaskSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScenarioUnknownClient(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)
	require.True(t, p.register(t, "dev-1").Success)

	res := gw.correlator.Dispatch(context.Background(), agent.DispatchRequest{
		ClientID: "dev-2",
		App:      "wechat",
		Workflow: "scan_from_album",
	})
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeClientNotFound, res.ErrorCode)

	// Nothing reached the registered agent.
	p.send(t, &protocol.Ping{})
	nextOf[*protocol.Pong](t, p)
}

func TestScenarioAgentDropsMidTask(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	p := connectPipe(t, gw)
	require.True(t, p.register(t, "dev-1").Success)

	resCh := dispatchAsync(gw, agent.DispatchRequest{
		ClientID: "dev-1",
		App:      "wechat",
		Workflow: "scan_from_album",
		Timeout:  200 * time.Millisecond,
	})
	task := nextOf[*protocol.Task](t, p)
	p.close(t)

	res := awaitResult(t, resCh)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeTimeout, res.ErrorCode)
	assert.Equal(t, task.TaskID, res.TaskID)

	// The agent comes back and reports late; the result is discarded.
	p2 := connectPipe(t, gw)
	require.True(t, p2.register(t, "dev-1").Success)
	p2.send(t, &protocol.Result{TaskID: task.TaskID, Success: true})
	p2.send(t, &protocol.Ping{})
	nextOf[*protocol.Pong](t, p2)
	assert.Equal(t, 0, gw.correlator.Pending())

	require.Eventually(t, func() bool {
		rec, err := gw.store.GetTask(context.Background(), task.TaskID)
		return err == nil && rec.Status == store.TaskFailed && rec.ErrorCode == protocol.CodeTimeout
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailPendingOnDisconnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents.FailPendingOnDisconnect = true
	gw := newTestGateway(t, cfg)
	p := connectPipe(t, gw)
	require.True(t, p.register(t, "dev-1").Success)

	resCh := dispatchAsync(gw, agent.DispatchRequest{
		ClientID: "dev-1",
		App:      "wechat",
		Workflow: "scan_from_album",
		Timeout:  time.Minute,
	})
	nextOf[*protocol.Task](t, p)
	p.close(t)

	res := awaitResult(t, resCh)
	assert.Equal(t, protocol.CodeClientDisconnected, res.ErrorCode)
}
