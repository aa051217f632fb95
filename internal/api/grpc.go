package api

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"autotrader/internal/live"
)

// newGRPCServer builds the gRPC server carrying the event stream and the
// standard health service.
func newGRPCServer(events EventSource, snapshots live.Snapshotter, log *slog.Logger) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer()
	live.NewServer(events, snapshots, log).RegisterGRPC(gs)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(live.ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return gs, hs
}
