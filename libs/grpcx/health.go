package grpcx

import (
	"context"
	"time"

	"github.com/techweb/outboxcdc/libs/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WatchHealth runs checks every interval and mirrors the result onto hs for the overall
// server ("") and for service. It returns when ctx is done, leaving hs NOT_SERVING.
func WatchHealth(ctx context.Context, hs *health.Server, service string, every time.Duration, logger *zap.Logger, checks ...runtime.ReadyCheck) {
	if every <= 0 {
		every = 5 * time.Second
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	set := func(s healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", s)
		if service != "" {
			hs.SetServingStatus(service, s)
		}
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		next := healthpb.HealthCheckResponse_SERVING
		if failed := runtime.RunChecks(ctx, checks...); len(failed) > 0 {
			next = healthpb.HealthCheckResponse_NOT_SERVING
			if next != last {
				logger.Warn("health checks failing", zap.Strings("checks", failed))
			}
		}
		if next != last {
			set(next)
			last = next
		}

		select {
		case <-ctx.Done():
			set(healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
		}
	}
}
