// Package server assembles the HTTP and gRPC servers of the monitoring service.
package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "iot-platform/monitoring-service/internal/health/handler"
	"iot-platform/monitoring-service/internal/server/interceptors"
)

// quietMethods are served without per-call log lines (probes hit them constantly).
var quietMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewGRPCServer returns a gRPC server with tracing, recovery and request logging,
// and the health service registered.
//
// Proto → handler mapping:
//   - grpc.health.v1.Health → internal/health/handler
func NewGRPCServer(health *healthhandler.Server, log zerolog.Logger) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(log),
			interceptors.LoggingUnary(log, quietMethods),
		),
	)
	if health != nil {
		health.Register(s)
	}
	return s
}
