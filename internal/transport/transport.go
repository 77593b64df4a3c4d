// ABOUTME: Duplex message stream abstraction shared by the gateway and agents.
// ABOUTME: Implemented over WebSocket, over a gRPC bidi stream, and in memory for tests.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("transport closed")

// Conn is one persistent duplex stream carrying encoded messages.
// Read must only be called from a single goroutine. Write is safe for
// concurrent use; writes are serialized per stream.
type Conn interface {
	// Read blocks until the next message, the peer closes (io.EOF), or ctx ends.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
	RemoteAddr() string
}

// KeepAlive configures transport-level liveness probes.
type KeepAlive struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultKeepAlive probes every 30s and gives up after 10s without an answer.
var DefaultKeepAlive = KeepAlive{Interval: 30 * time.Second, Timeout: 10 * time.Second}

func (k KeepAlive) orDefault() KeepAlive {
	if k.Interval <= 0 {
		k.Interval = DefaultKeepAlive.Interval
	}
	if k.Timeout <= 0 {
		k.Timeout = DefaultKeepAlive.Timeout
	}
	return k
}

// DialOptions apply to every dialer.
type DialOptions struct {
	// Token is sent as a bearer credential when non-empty.
	Token     string
	KeepAlive KeepAlive
}

// Dialer opens a new stream to the gateway.
type Dialer func(ctx context.Context) (Conn, error)

// Dial connects to a gateway URL. Supported schemes are ws, wss, grpc and grpcs.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return DialWebSocket(ctx, rawURL, opts)
	case "grpc":
		return DialGRPC(ctx, u.Host, false, opts)
	case "grpcs":
		return DialGRPC(ctx, u.Host, true, opts)
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
}

// NewDialer binds a URL and options into a Dialer.
func NewDialer(rawURL string, opts DialOptions) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, rawURL, opts)
	}
}

// Send encodes a message and writes it to the stream.
func Send(ctx context.Context, c Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := c.Write(ctx, data); err != nil {
		return fmt.Errorf("sending %s: %w", m.Kind(), err)
	}
	return nil
}
