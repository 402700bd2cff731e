package handler

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"calotrack/backend/internal/logging"
)

// Pinger is used to check database connectivity (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

// Server implements grpc.health.v1.Health. Readiness is a database ping; a nil Pinger always serves.
type Server struct {
	healthpb.UnimplementedHealthServer
	pinger Pinger
	log    logging.Logger
}

// NewServer returns a health server. pinger and log may be nil.
func NewServer(pinger Pinger, log logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{pinger: pinger, log: log}
}

// Check reports SERVING when the database answers a ping. Only the overall service ("") is known.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	return &healthpb.HealthCheckResponse{Status: s.status(ctx)}, nil
}

// Ready reports whether the database answers a ping. Used by the HTTP probe.
func (s *Server) Ready(ctx context.Context) bool {
	return s.status(ctx) == healthpb.HealthCheckResponse_SERVING
}

func (s *Server) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if s.pinger == nil {
		return healthpb.HealthCheckResponse_SERVING
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.pinger.PingContext(pingCtx); err != nil {
		s.log.Warn(ctx, "health: database ping failed", "error", err)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
