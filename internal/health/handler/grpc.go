// Package handler exposes the health checker over gRPC (grpc.health.v1) and HTTP.
package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"iot-platform/monitoring-service/internal/health"
)

// ServiceName is the grpc.health.v1 service name reported next to the overall ("") status.
const ServiceName = "monitoring"

// DefaultInterval is how often Watch re-evaluates the checker.
const DefaultInterval = 10 * time.Second

// Server implements grpc.health.v1.Health with statuses refreshed from a health.Checker.
type Server struct {
	*grpchealth.Server
	checker *health.Checker
	log     zerolog.Logger
	last    healthpb.HealthCheckResponse_ServingStatus
}

// NewServer returns a health server. Statuses start as NOT_SERVING until the first Refresh.
func NewServer(checker *health.Checker, log zerolog.Logger) *Server {
	s := &Server{Server: grpchealth.NewServer(), checker: checker, log: log}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register adds the health service to srv.
func (s *Server) Register(srv grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(srv, s.Server)
}

// Refresh runs the checker once and publishes the result.
func (s *Server) Refresh(ctx context.Context) health.Report {
	rep := s.checker.Run(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !rep.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if status != s.last {
		s.log.Info().Str("status", status.String()).Interface("checks", rep.Checks).Msg("health status changed")
	}
	s.set(status)
	return rep
}

// Watch refreshes immediately and then every interval until ctx is done. It then marks
// every service NOT_SERVING so that clients watching the stream drain before the server stops.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.last = status
	s.SetServingStatus("", status)
	s.SetServingStatus(ServiceName, status)
}
