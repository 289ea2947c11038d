package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "swinventory.v1.Control"

// ActiveFunc reports whether the inventory service is active.
type ActiveFunc func(ctx context.Context) (bool, error)

// updateHealth sets SERVING while the service is active and NOT_SERVING
// while it is paused or its state cannot be read.
func updateHealth(ctx context.Context, hs *health.Server, active ActiveFunc, logger *zap.Logger) {
	st := healthpb.HealthCheckResponse_SERVING
	ok, err := active(ctx)
	if err != nil {
		logger.Warn("health: read service state", zap.Error(err))
	}
	if err != nil || !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}

func runHealthLoop(ctx context.Context, hs *health.Server, active ActiveFunc, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	updateHealth(ctx, hs, active, logger)
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			updateHealth(ctx, hs, active, logger)
		}
	}
}
