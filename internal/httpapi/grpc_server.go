package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"covenant.church/internal/obs"
)

// HealthServer exposes readiness over the standard gRPC health protocol.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
}

// NewHealthServer starts in NOT_SERVING until the first successful Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	h := &HealthServer{srv: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the readiness probe and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		obs.Logger().Warn().Err(err).Msg("readiness check failed")
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch refreshes every interval until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *HealthServer) Shutdown() { h.srv.Shutdown() }

func (h *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(obs.ServiceName, st)
}
