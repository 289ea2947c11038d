package server

import (
	"context"
	"crypto/subtle"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"go.uber.org/zap"
)

// APIKeyHeader carries the control API secret on HTTP requests and as
// lower-case gRPC metadata.
const APIKeyHeader = "X-API-Key"

var (
	errMissingKey = kerrors.Unauthorized("MISSING_API_KEY", "missing X-API-Key header")
	errInvalidKey = kerrors.Unauthorized("INVALID_API_KEY", "invalid X-API-Key")
)

func checkKey(got, secret string) error {
	if got == "" {
		return errMissingKey
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return errInvalidKey
	}
	return nil
}

// APIKeyMiddleware returns a Kratos middleware that validates the X-API-Key
// header. An empty secret disables authentication. Swagger UI is unaffected
// because it is registered via HandlePrefix, outside the middleware chain.
func APIKeyMiddleware(secret string, logger *zap.Logger) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			if secret == "" {
				return handler(ctx, req)
			}

			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return nil, kerrors.InternalServer("NO_TRANSPORT", "no transport in context")
			}

			if err := checkKey(tr.RequestHeader().Get(APIKeyHeader), secret); err != nil {
				logger.Warn("rejected control request", zap.String("operation", tr.Operation()), zap.Error(err))
				return nil, err
			}
			return handler(ctx, req)
		}
	}
}
