package handler

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"credential-core/internal/health"
)

// Server implements grpc.health.v1.Health for load balancers and Kubernetes probes.
type Server struct {
	healthpb.UnimplementedHealthServer
	checker *health.Checker
}

// NewServer returns a new Health gRPC server. A nil checker always reports SERVING.
func NewServer(checker *health.Checker) *Server {
	return &Server{checker: checker}
}

// Check reports SERVING when every dependency answers, NOT_SERVING otherwise. The service name is ignored.
func (s *Server) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if s.checker == nil {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	}
	if !s.checker.Check(ctx).Healthy {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// Watch is not supported; clients poll Check.
func (s *Server) Watch(*healthpb.HealthCheckRequest, healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
