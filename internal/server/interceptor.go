package server

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// publicMethodPrefixes are reachable without the API key so that load
// balancers and service monitors can probe health.
var publicMethodPrefixes = []string{
	"/grpc.health.v1.Health/",
}

func isPublic(fullMethod string) bool {
	for _, p := range publicMethodPrefixes {
		if strings.HasPrefix(fullMethod, p) {
			return true
		}
	}
	return false
}

func authorize(ctx context.Context, secret, fullMethod string) error {
	if secret == "" || isPublic(fullMethod) {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	var got string
	if vals := md.Get(strings.ToLower(APIKeyHeader)); len(vals) > 0 {
		got = vals[0]
	}
	if err := checkKey(got, secret); err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	return nil
}

// APIKeyInterceptor returns a gRPC unary server interceptor that validates
// the x-api-key metadata for every method except health checks. An empty
// secret disables authentication.
func APIKeyInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authorize(ctx, secret, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// APIKeyStreamInterceptor is the streaming counterpart of APIKeyInterceptor.
func APIKeyStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorize(ss.Context(), secret, info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
