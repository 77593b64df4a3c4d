// ABOUTME: WebSocket implementation of Conn using github.com/coder/websocket.
// ABOUTME: Text frames carry one JSON message each; a ping loop closes dead peers.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// maxMessageSize bounds a single inbound frame.
const maxMessageSize = 1 << 20

type wsConn struct {
	c       *websocket.Conn
	remote  string
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn, remote string, ka KeepAlive) *wsConn {
	c.SetReadLimit(maxMessageSize)
	wc := &wsConn{
		c:      c,
		remote: remote,
		done:   make(chan struct{}),
	}
	go wc.pingLoop(ka.orDefault())
	return wc
}

// Accept upgrades an HTTP request to a WebSocket stream.
func Accept(w http.ResponseWriter, r *http.Request, ka KeepAlive) (Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return newWSConn(c, r.RemoteAddr, ka), nil
}

// DialWebSocket connects to a ws:// or wss:// gateway endpoint.
func DialWebSocket(ctx context.Context, rawURL string, opts DialOptions) (Conn, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	c, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", rawURL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", rawURL, err)
	}
	return newWSConn(c, rawURL, opts.KeepAlive), nil
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		select {
		case <-w.done:
			return nil, ErrClosed
		default:
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.c.Close(websocket.StatusNormalClosure, reason)
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (w *wsConn) RemoteAddr() string { return w.remote }

// pingLoop needs a concurrent Read in progress for pongs to be observed.
func (w *wsConn) pingLoop(ka KeepAlive) {
	ticker := time.NewTicker(ka.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ka.Timeout)
			err := w.c.Ping(ctx)
			cancel()
			if err != nil {
				w.c.CloseNow()
				return
			}
		}
	}
}
