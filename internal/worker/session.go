// ABOUTME: One connected stream to the gateway: a reader pump feeding an inbox.
// ABOUTME: Messages that arrive before registration completes are kept in a backlog.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/transport"
)

var (
	// ErrConnectionClosed is returned when the gateway closes the stream.
	ErrConnectionClosed = errors.New("connection closed by gateway")

	errAckTimeout = errors.New("register_ack timeout")
)

type session struct {
	conn     transport.Conn
	clientID string
	logger   *slog.Logger

	inbox   chan protocol.Message
	readErr error
	backlog []protocol.Message
}

func newSession(conn transport.Conn, logger *slog.Logger) *session {
	return &session{
		conn:   conn,
		logger: logger,
		inbox:  make(chan protocol.Message, 16),
	}
}

// pump reads until the stream fails or ctx ends, then closes inbox.
// readErr is set before the close so receivers see it.
func (s *session) pump(ctx context.Context) {
	defer close(s.inbox)
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			s.readErr = err
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		select {
		case s.inbox <- msg:
		case <-ctx.Done():
			s.readErr = ctx.Err()
			return
		}
	}
}

// closedErr explains why inbox was closed. Only valid after inbox is drained.
func (s *session) closedErr() error {
	if s.readErr == nil || errors.Is(s.readErr, io.EOF) || errors.Is(s.readErr, transport.ErrClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("reading from gateway: %w", s.readErr)
}

// awaitAck waits for the next register_ack, setting aside anything else.
func (s *session) awaitAck(ctx context.Context, timeout time.Duration) (*protocol.RegisterAck, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-s.inbox:
			if !ok {
				return nil, s.closedErr()
			}
			if ack, isAck := msg.(*protocol.RegisterAck); isAck {
				return ack, nil
			}
			s.backlog = append(s.backlog, msg)
		case <-timer.C:
			return nil, errAckTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// takeBacklog returns and clears the messages held during registration.
func (s *session) takeBacklog() []protocol.Message {
	b := s.backlog
	s.backlog = nil
	return b
}

func (s *session) send(ctx context.Context, m protocol.Message) error {
	return transport.Send(ctx, s.conn, m)
}
