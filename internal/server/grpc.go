package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "calotrack/backend/internal/health/handler"
)

// GRPCDeps holds the services exposed over gRPC.
type GRPCDeps struct {
	// Health answers grpc.health.v1.Health. If nil, a server without a database check is used.
	Health *healthhandler.Server
}

// RegisterServices registers every gRPC service with s.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps GRPCDeps) {
	h := deps.Health
	if h == nil {
		h = healthhandler.NewServer(nil, nil)
	}
	healthpb.RegisterHealthServer(s, h)
}

// NewGRPCServer returns a gRPC server instrumented with otelgrpc and with all services registered.
func NewGRPCServer(deps GRPCDeps, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}
