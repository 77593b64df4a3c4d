// ABOUTME: Shared fakes for agent package tests.
// ABOUTME: recordingConn captures writes so tests can assert what went on the wire.

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/taskrelay/internal/protocol"
)

// recordingConn implements transport.Conn and records every write.
type recordingConn struct {
	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error
	closed  bool
	written chan protocol.Message
	// writeCtxErrs holds ctx.Err() as seen by each Write.
	writeCtxErrs []error
}

func newRecordingConn() *recordingConn {
	return &recordingConn{written: make(chan protocol.Message, 16)}
}

func (r *recordingConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, io.EOF
}

func (r *recordingConn) Write(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeCtxErrs = append(r.writeCtxErrs, ctx.Err())
	if r.closed {
		return errors.New("closed")
	}
	if r.sendErr != nil {
		return r.sendErr
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, msg)
	r.written <- msg
	return nil
}

func (r *recordingConn) Close(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingConn) RemoteAddr() string { return "127.0.0.1:5555" }

func (r *recordingConn) sentMessages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// nextTask waits for the next task written to the stream.
func (r *recordingConn) nextTask(t *testing.T) *protocol.Task {
	t.Helper()
	select {
	case msg := <-r.written:
		task, ok := msg.(*protocol.Task)
		require.True(t, ok, "expected task, got %T", msg)
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("no task written")
		return nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registerAgent(t *testing.T, mgr *Manager, id string) (*Connection, *recordingConn) {
	t.Helper()
	stream := newRecordingConn()
	conn := NewConnection(id, protocol.DeviceInfo{Brand: "Google", Model: "Pixel 7"}, stream)
	require.NoError(t, mgr.Register(conn))
	return conn, stream
}
