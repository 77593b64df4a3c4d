// ABOUTME: gRPC implementation of Conn: a bidi stream of opaque JSON frames.
// ABOUTME: Uses a hand-written service descriptor and a pass-through codec instead of generated code.

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	// CodecName is the gRPC content-subtype under which frames travel.
	CodecName = "taskrelay-frame"
	// ConnectMethod is the full method name of the relay stream.
	ConnectMethod = "/taskrelay.v1.Relay/Connect"
)

// Frame is one message on the gRPC relay stream.
type Frame struct {
	Data []byte
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	return f.Data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	f.Data = append(f.Data[:0], data...)
	return nil
}

func (frameCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// StreamHandler serves one accepted stream until it ends.
type StreamHandler func(ctx context.Context, conn Conn) error

// relayServer is the handler type the service descriptor is checked against.
type relayServer interface {
	connect(stream grpc.ServerStream) error
}

type relayService struct {
	handler StreamHandler
}

func (s *relayService) connect(stream grpc.ServerStream) error {
	remote := ""
	if p, ok := peer.FromContext(stream.Context()); ok {
		remote = p.Addr.String()
	}
	conn := newGRPCConn(stream, remote, nil)
	defer conn.Close("stream ended")
	return s.handler(stream.Context(), conn)
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: "taskrelay.v1.Relay",
	HandlerType: (*relayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "taskrelay/v1/relay",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(relayServer).connect(stream)
}

// RegisterRelay exposes the relay stream on a gRPC server.
func RegisterRelay(s grpc.ServiceRegistrar, handler StreamHandler) {
	s.RegisterService(&relayServiceDesc, &relayService{handler: handler})
}

// ServerOptions returns the keepalive options a relay server should be built with.
func ServerOptions(ka KeepAlive) []grpc.ServerOption {
	ka = ka.orDefault()
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    ka.Interval,
			Timeout: ka.Timeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

// DialGRPC opens a relay stream to target (host:port).
func DialGRPC(ctx context.Context, target string, useTLS bool, opts DialOptions) (Conn, error) {
	ka := opts.KeepAlive.orDefault()

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                ka.Interval,
			Timeout:             ka.Timeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if opts.Token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+opts.Token)
	}

	cs, err := cc.NewStream(streamCtx, &relayServiceDesc.Streams[0], ConnectMethod,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("opening relay stream to %s: %w", target, err)
	}

	return newGRPCConn(cs, target, func() {
		_ = cs.CloseSend()
		cancel()
		_ = cc.Close()
	}), nil
}

// msgStream is the part of grpc.ServerStream and grpc.ClientStream used here.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcConn struct {
	stream  msgStream
	remote  string
	writeMu sync.Mutex
	onClose func()

	frames  chan []byte
	recvErr error

	done      chan struct{}
	closeOnce sync.Once
}

func newGRPCConn(stream msgStream, remote string, onClose func()) *grpcConn {
	c := &grpcConn{
		stream:  stream,
		remote:  remote,
		onClose: onClose,
		frames:  make(chan []byte),
		done:    make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump moves frames off the stream so Read can honour its context.
func (c *grpcConn) pump() {
	defer close(c.frames)
	for {
		var f Frame
		if err := c.stream.RecvMsg(&f); err != nil {
			c.recvErr = err
			return
		}
		select {
		case c.frames <- f.Data:
		case <-c.done:
			return
		}
	}
}

func (c *grpcConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.frames:
		if !ok {
			return nil, normalizeRecvErr(c.recvErr)
		}
		return data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func normalizeRecvErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return io.EOF
	}
	if status.Code(err) == codes.Canceled {
		return io.EOF
	}
	return err
}

func (c *grpcConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.SendMsg(&Frame{Data: data})
}

func (c *grpcConn) Close(string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

func (c *grpcConn) RemoteAddr() string { return c.remote }
