package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported through grpc.health.v1 alongside the
// overall ("") status.
const ServiceName = "assetstore.AssetStore"

// GRPCHandler serves grpc.health.v1 and keeps its status in line with
// database reachability.
type GRPCHandler struct {
	health *health.Server
	ping   func(ctx context.Context) error
	logger *zap.Logger
}

func NewGRPCHandler(ping func(ctx context.Context) error, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{
		health: health.NewServer(),
		ping:   ping,
		logger: logger,
	}
}

// Register attaches the health service and reflection to srv.
func (h *GRPCHandler) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.health)
	reflection.Register(srv)
}

// Check pings the database once and publishes the result.
func (h *GRPCHandler) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.ping(ctx); err != nil {
		h.logger.Warn("database unreachable", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
	return status
}

// Watch re-checks every interval until ctx is done, then marks the server
// as shutting down.
func (h *GRPCHandler) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.checkWithin(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.checkWithin(ctx, interval)
		}
	}
}

func (h *GRPCHandler) checkWithin(ctx context.Context, timeout time.Duration) {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	h.Check(pingCtx)
}
