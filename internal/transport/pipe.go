// ABOUTME: In-memory Conn pair for tests and in-process wiring.
// ABOUTME: Closing either end closes both, like a dropped network stream.

package transport

import (
	"context"
	"io"
	"sync"
)

type pipeShared struct {
	done      chan struct{}
	closeOnce sync.Once
}

type pipeConn struct {
	name    string
	recv    <-chan []byte
	send    chan<- []byte
	shared  *pipeShared
	writeMu sync.Mutex
}

// Pipe returns two connected in-memory streams. Each direction buffers up to 64 messages.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	shared := &pipeShared{done: make(chan struct{})}
	a := &pipeConn{name: "pipe-a", recv: ba, send: ab, shared: shared}
	b := &pipeConn{name: "pipe-b", recv: ab, send: ba, shared: shared}
	return a, b
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	// Deliver what was written before a close.
	select {
	case data := <-p.recv:
		return data, nil
	default:
	}
	select {
	case data := <-p.recv:
		return data, nil
	case <-p.shared.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	buf := append([]byte(nil), data...)
	select {
	case p.send <- buf:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(string) error {
	p.shared.closeOnce.Do(func() { close(p.shared.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return p.name }
