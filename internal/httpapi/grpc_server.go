package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"custos.org/internal/obs"
)

const serviceName = "custos-api"

// NewGRPCServer exposes the standard gRPC health service for fleet probes
// that speak gRPC instead of HTTP. It mirrors /readyz: the probe runs on the
// given interval and flips the serving status.
func NewGRPCServer(ctx context.Context, rp ReadyProbe, interval time.Duration) *grpc.Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	update := func() {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := rp.Check(checkCtx); err != nil {
			obs.SetReady(false)
			hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		obs.SetReady(true)
		hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	}
	update()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	return srv
}
