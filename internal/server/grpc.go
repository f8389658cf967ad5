package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"credential-core/internal/authn"
	healthhandler "credential-core/internal/health/handler"
	"credential-core/internal/server/clientip"
	"credential-core/internal/server/interceptors"
)

// PublicGRPCMethods do not require a Bearer token. They are still rate limited.
var PublicGRPCMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// Deps holds the service dependencies for the gRPC server.
type Deps struct {
	// Auth runs the rate limit gate and bearer token checks for every RPC. Required.
	Auth *authn.Authenticator
	// Health answers grpc.health.v1.Health. If nil, a checker-less server that always reports SERVING is used.
	Health *healthhandler.Server
	// Proxies lists the peers whose x-forwarded-for metadata is believed. Nil trusts none.
	Proxies *clientip.Resolver
}

// NewGRPCServer returns a gRPC server with tracing, the rate limit gate, and authentication
// installed, and every service registered.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.ClientIPUnary(deps.Proxies),
			interceptors.RateLimitUnary(deps.Auth),
			interceptors.AuthUnary(deps.Auth, PublicGRPCMethods),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers all gRPC services with the given server.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	h := deps.Health
	if h == nil {
		h = healthhandler.NewServer(nil)
	}
	healthpb.RegisterHealthServer(s, h)
}
