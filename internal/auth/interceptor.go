// ABOUTME: gRPC stream interceptor for JWT authentication of agent streams
// ABOUTME: Reads the bearer token from "authorization" metadata

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with peer address.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	peerAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		peerAddr = p.Addr.String()
	}
	args := append([]any{"reason", reason, "peer", peerAddr}, attrs...)
	logger.Warn("stream auth failed", args...)
}

// StreamInterceptor authenticates every stream and admits only the given roles.
func StreamInterceptor(verifier TokenVerifier, logger *slog.Logger, roles ...string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}

		token, errMsg := extractBearerToken(header)
		if errMsg != "" {
			logAuthFailure(logger, ctx, errMsg, "method", info.FullMethod)
			return status.Error(codes.Unauthenticated, errMsg)
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			logAuthFailure(logger, ctx, "invalid token", "method", info.FullMethod, "error", err)
			return status.Error(codes.Unauthenticated, "invalid token")
		}

		if !allows(roles, claims.Role) {
			logAuthFailure(logger, ctx, "role not permitted", "subject", claims.Subject, "role", claims.Role)
			return status.Error(codes.PermissionDenied, "role not permitted")
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ctx, &AuthContext{Subject: claims.Subject, Role: claims.Role}),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
