package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
)

// TrackerService is the health service name reported for the session.
const TrackerService = "tracker.Session"

// NewHealthServer builds a gRPC server carrying the standard health service,
// instrumented with OpenTelemetry, request logging and the RPC collector.
// The returned health server starts out NOT_SERVING for TrackerService.
func NewHealthServer(rpc *RPCCollector, log logging.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestLoggingUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
			rpc.UnaryServerInterceptor(),
		),
	)
	hs := health.NewServer()
	hs.SetServingStatus(TrackerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchLiveness mirrors running() onto TrackerService every interval until
// ctx is done, then marks every service NOT_SERVING.
func WatchLiveness(ctx context.Context, hs *health.Server, running func() bool, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	set := func() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if running() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(TrackerService, st)
	}

	set()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			set()
		}
	}
}
