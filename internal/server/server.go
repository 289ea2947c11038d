// Package server exposes the control surface: a Kratos HTTP API with
// Swagger UI, and a gRPC server carrying the standard health service.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	kratoshttp "github.com/go-kratos/kratos/v2/transport/http"
	swaggerUI "github.com/tx7do/kratos-swagger-ui"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/go-tangra/go-tangra-swinventory/internal/codec"
)

// Config holds the listener settings.
type Config struct {
	Listen        string
	GRPCListen    string
	ApiSecret     string
	EnableSwagger bool
	OpenAPI       []byte
	// HealthInterval is how often the gRPC health status is refreshed.
	HealthInterval time.Duration
}

// NewHTTPServer builds the control API server with API-key middleware.
func NewHTTPServer(cfg Config, h *Handler, logger *zap.Logger) *kratoshttp.Server {
	httpSrv := kratoshttp.NewServer(
		kratoshttp.Address(cfg.Listen),
		kratoshttp.Middleware(APIKeyMiddleware(cfg.ApiSecret, logger)),
	)
	h.Register(httpSrv)

	// Swagger UI (registered via HandlePrefix, bypasses middleware chain).
	if cfg.EnableSwagger && len(cfg.OpenAPI) > 0 {
		swaggerUI.RegisterSwaggerUIServerWithOption(
			httpSrv,
			swaggerUI.WithTitle("Software Inventory"),
			swaggerUI.WithMemoryData(cfg.OpenAPI, "yaml"),
		)
		logger.Info("swagger UI enabled", zap.String("url", fmt.Sprintf("http://%s/docs/", cfg.Listen)))
	}
	return httpSrv
}

// NewGRPCServer builds a gRPC server with the health and reflection services.
func NewGRPCServer(cfg Config) (*grpc.Server, *health.Server) {
	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(APIKeyInterceptor(cfg.ApiSecret)),
		grpc.ChainStreamInterceptor(APIKeyStreamInterceptor(cfg.ApiSecret)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	reflection.Register(grpcSrv)
	return grpcSrv, hs
}

// Run serves HTTP and, when GRPCListen is set, gRPC until ctx is cancelled.
func Run(ctx context.Context, cfg Config, h *Handler, active ActiveFunc, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}

	httpSrv := NewHTTPServer(cfg, h, logger)
	errc := make(chan error, 2)

	go func() {
		logger.Info("control API listening", zap.String("addr", cfg.Listen))
		if err := httpSrv.Start(ctx); err != nil {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCListen != "" {
		var hs *health.Server
		grpcSrv, hs = NewGRPCServer(cfg)

		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			_ = httpSrv.Stop(context.Background())
			return fmt.Errorf("listen gRPC on %s: %w", cfg.GRPCListen, err)
		}
		go runHealthLoop(ctx, hs, active, cfg.HealthInterval, logger)
		go func() {
			logger.Info("gRPC health listening", zap.String("addr", cfg.GRPCListen))
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	logger.Info("shutting down control surface")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Stop(stopCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return err
}
