package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// authenticates the "authorization" metadata with a.
//
// Like [Authenticator.Middleware] it fails open: handlers receive a
// context without identity when the token is missing or unverifiable and
// decide themselves whether to return codes.Unauthenticated.
func UnaryServerInterceptor(a *Authenticator) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(authenticateGRPC(ctx, a), req)
	}
}

// StreamServerInterceptor returns a gRPC stream server interceptor that
// authenticates the stream's metadata with a.
func StreamServerInterceptor(a *Authenticator) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := authenticateGRPC(ss.Context(), a)
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticateGRPC(ctx context.Context, a *Authenticator) context.Context {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(grpcAuthorization); len(values) > 0 {
			token = ExtractBearerToken(values[0])
		}
	}
	res := a.Authenticate(ctx, token)
	if res.Identity == nil {
		return ctx
	}
	return ContextWithIdentity(ctx, res.Identity)
}

// wrappedServerStream wraps a grpc.ServerStream to override its Context method.
// ServerStream.Context() returns the original stream context, which does not
// contain the identity added by the interceptor.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context containing identity information.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
