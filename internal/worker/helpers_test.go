// ABOUTME: Shared test fixtures for the worker package.
// ABOUTME: Provides an in-memory gateway peer, a pipe dialer and scripted executors.

package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// peer is the gateway end of a pipe.
type peer struct {
	conn transport.Conn
}

func (p *peer) next(t *testing.T) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := p.conn.Read(ctx)
	require.NoError(t, err, "waiting for message from agent")
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// nextOf skips heartbeats and returns the next message of type T.
func nextOf[T protocol.Message](t *testing.T, p *peer) T {
	t.Helper()
	for {
		msg := p.next(t)
		if typed, ok := msg.(T); ok {
			return typed
		}
		if _, isHB := msg.(*protocol.Heartbeat); !isHB {
			t.Fatalf("unexpected message %T", msg)
		}
	}
}

func (p *peer) send(t *testing.T, m protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, transport.Send(ctx, p.conn, m))
}

func (p *peer) acceptRegistration(t *testing.T) *protocol.Register {
	t.Helper()
	reg := nextOf[*protocol.Register](t, p)
	p.send(t, &protocol.RegisterAck{Success: true, Message: "registered", ServerTime: time.Now().Unix()})
	return reg
}

// pipeDialer hands the gateway end of every dialled pipe to the returned channel.
func pipeDialer() (transport.Dialer, <-chan *peer) {
	peers := make(chan *peer, 8)
	dial := func(ctx context.Context) (transport.Conn, error) {
		agentEnd, gatewayEnd := transport.Pipe()
		peers <- &peer{conn: gatewayEnd}
		return agentEnd, nil
	}
	return dial, peers
}

func nextPeer(t *testing.T, peers <-chan *peer) *peer {
	t.Helper()
	select {
	case p := <-peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not dial")
		return nil
	}
}

// startClient runs a client until the test ends.
func startClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := NewClient(opts, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return c
}

// echoExecutor succeeds immediately, echoing params["text"].
var echoExecutor = ExecutorFunc(func(ctx context.Context, app, workflow string, params protocol.Params) (Outcome, error) {
	if app != "wechat" {
		return Outcome{}, ErrAppNotFound
	}
	text, _ := params["text"].(string)
	return Outcome{Success: true, Message: workflow + ":" + text}, nil
})

// blockingExecutor runs until release is closed.
type blockingExecutor struct {
	started chan string
	release chan struct{}
	once    sync.Once
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan string, 8),
		release: make(chan struct{}),
	}
}

func (b *blockingExecutor) Execute(ctx context.Context, app, workflow string, params protocol.Params) (Outcome, error) {
	b.started <- workflow
	select {
	case <-b.release:
		return Outcome{Success: true, Message: "done"}, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (b *blockingExecutor) unblock() {
	b.once.Do(func() { close(b.release) })
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"client never reached state %s (now %s)", want, c.State())
}
