// ABOUTME: Agent connection supervisor: connect, register, then heartbeat and listen.
// ABOUTME: Any session failure waits a fixed interval and reconnects until the context ends.

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/transport"
)

const (
	DefaultReconnectInterval  = 5 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultRegisterTimeout    = 5 * time.Second
	DefaultMaxConflictRetries = 3

	// reportTimeout bounds writing one result to the gateway.
	reportTimeout = 10 * time.Second
)

// State is where the supervisor is in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Client. Zero durations and retry counts use the defaults.
type Options struct {
	ClientID           string
	Dial               transport.Dialer
	Executor           Executor
	Device             DeviceProvider
	ReconnectInterval  time.Duration
	HeartbeatInterval  time.Duration
	RegisterTimeout    time.Duration
	MaxConflictRetries int
}

// Client keeps one agent session alive against the gateway.
type Client struct {
	baseID             string
	dial               transport.Dialer
	device             DeviceProvider
	gate               *Gate
	reconnectInterval  time.Duration
	heartbeatInterval  time.Duration
	registerTimeout    time.Duration
	maxConflictRetries int
	logger             *slog.Logger
	now                func() time.Time

	state   atomic.Int32
	current atomic.Pointer[session]
}

// NewClient creates a Client. Run starts it.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if opts.Dial == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Device == nil {
		opts.Device = StaticDevice{}
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = DefaultMaxConflictRetries
	}

	c := &Client{
		baseID:             opts.ClientID,
		dial:               opts.Dial,
		device:             opts.Device,
		reconnectInterval:  opts.ReconnectInterval,
		heartbeatInterval:  opts.HeartbeatInterval,
		registerTimeout:    opts.RegisterTimeout,
		maxConflictRetries: opts.MaxConflictRetries,
		logger:             logger.With("component", "client"),
		now:                time.Now,
	}
	c.gate = NewGate(opts.Executor, c.report, logger)
	return c, nil
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ClientID is the identity accepted by the gateway for the active session,
// or the configured one when no session is active.
func (c *Client) ClientID() string {
	if s := c.current.Load(); s != nil {
		return s.clientID
	}
	return c.baseID
}

// Busy reports whether a task is running.
func (c *Client) Busy() bool {
	return c.gate.Busy()
}

// Run connects and reconnects until ctx ends. In-flight tasks are waited for
// before it returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.gate.Wait()
	defer c.setState(StateDisconnected)

	for {
		err := c.runSession(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			c.logger.Info("client stopped")
			return nil
		}

		var regErr *RegistrationError
		if errors.As(err, &regErr) {
			c.logger.Error("registration failed", "code", regErr.Code, "error", regErr.Message)
		} else {
			c.logger.Warn("session ended", "error", err)
		}
		c.logger.Info("reconnecting", "in", c.reconnectInterval)

		select {
		case <-ctx.Done():
			c.logger.Info("client stopped")
			return nil
		case <-time.After(c.reconnectInterval):
		}
	}
}

// runSession runs one connection from dial to teardown.
func (c *Client) runSession(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close("session ended")
	c.logger.Info("connected", "remote_addr", conn.RemoteAddr())

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(conn, c.logger)
	go s.pump(sctx)

	c.setState(StateRegistering)
	if err := c.register(sctx, s); err != nil {
		return err
	}

	c.current.Store(s)
	defer c.current.CompareAndSwap(s, nil)
	c.setState(StateActive)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return c.heartbeat(gctx, s)
	})
	g.Go(func() error {
		return c.listen(gctx, ctx, s)
	})
	return g.Wait()
}

func (c *Client) heartbeat(ctx context.Context, s *session) error {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb := &protocol.Heartbeat{
				ClientID:  s.clientID,
				IsBusy:    c.gate.Busy(),
				Timestamp: c.now().Unix(),
			}
			if err := s.send(ctx, hb); err != nil {
				return err
			}
			c.logger.Debug("heartbeat sent", "busy", hb.IsBusy)
		}
	}
}

// listen handles inbound messages. taskCtx outlives the session so a task
// survives a reconnect.
func (c *Client) listen(ctx, taskCtx context.Context, s *session) error {
	for _, msg := range s.takeBacklog() {
		c.handle(ctx, taskCtx, s, msg)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.inbox:
			if !ok {
				return s.closedErr()
			}
			c.handle(ctx, taskCtx, s, msg)
		}
	}
}

func (c *Client) handle(ctx, taskCtx context.Context, s *session, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Task:
		c.gate.Handle(taskCtx, m)
	case *protocol.Ping:
		if err := s.send(ctx, &protocol.Pong{}); err != nil {
			c.logger.Warn("failed to answer ping", "error", err)
		}
	case *protocol.Pong:
	case *protocol.Cancel:
		c.logger.Warn("task cancellation is not supported, ignoring", "task_id", m.TaskID)
	case *protocol.RegisterAck:
		c.logger.Debug("ignoring register_ack outside registration", "success", m.Success)
	default:
		c.logger.Warn("unexpected message from gateway", "type", msg.Kind())
	}
}

// report sends a result over whichever session is active now.
func (c *Client) report(res *protocol.Result) {
	s := c.current.Load()
	if s == nil {
		c.logger.Warn("no active session, dropping result", "task_id", res.TaskID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := s.send(ctx, res); err != nil {
		c.logger.Warn("failed to send result", "task_id", res.TaskID, "error", err)
	}
}

func (c *Client) setState(st State) {
	old := State(c.state.Swap(int32(st)))
	if old != st {
		c.logger.Debug("state changed", "from", old, "to", st)
	}
}
