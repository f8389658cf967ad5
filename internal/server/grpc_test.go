package server

import (
	"testing"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices_HealthRegisteredWithoutDeps(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{})

	if len(reg.services) != 1 || reg.services[0] != "grpc.health.v1.Health" {
		t.Errorf("services = %v, want [grpc.health.v1.Health]", reg.services)
	}
}

func TestPublicGRPCMethods(t *testing.T) {
	if !PublicGRPCMethods[healthpb.Health_Check_FullMethodName] {
		t.Error("health check must be public")
	}
	if PublicGRPCMethods["/credential.v1.Admin/RevokeSessions"] {
		t.Error("unexpected public method")
	}
}
