package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, Options{Endpoint: endpoint, ServiceName: "credential-core"})
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if providers.TracerProvider == nil || providers.MeterProvider == nil || providers.LoggerProvider == nil {
			t.Fatalf("providers not created for %q: %+v", endpoint, providers)
		}
		// no-op shutdown, callable twice
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("first shutdown: %v", err)
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("second shutdown: %v", err)
		}
	}
}

func TestNewProviders_InvalidEndpoint(t *testing.T) {
	log, _ := test.NewNullLogger()
	for _, endpoint := range []string{"://invalid", "http://[invalid", "http://"} {
		t.Run(endpoint, func(t *testing.T) {
			if _, err := NewProviders(context.Background(), Options{Endpoint: endpoint, ServiceName: "credential-core", Log: log}); err == nil {
				t.Errorf("NewProviders(%q) should return error", endpoint)
			}
		})
	}
}

// OTLP gRPC exporters dial lazily, so valid endpoints succeed without a collector.
func TestNewProviders_EndpointForms(t *testing.T) {
	log, hook := test.NewNullLogger()
	ctx := context.Background()
	for _, tc := range []struct {
		endpoint string
		insecure bool
	}{
		{"localhost:4317", false},
		{"http://localhost:4317/v1/traces", false},
		{"https://localhost:4317", false},
		{"https://localhost:4317", true},
	} {
		providers, err := NewProviders(ctx, Options{Endpoint: tc.endpoint, ServiceName: "credential-core", Insecure: tc.insecure, Log: log})
		if err != nil {
			t.Logf("exporter creation failed without collector for %q: %v", tc.endpoint, err)
			continue
		}
		_ = providers.Shutdown(ctx)
	}
	for _, e := range hook.AllEntries() {
		if e.Message == "otlp export enabled" && e.Data["endpoint"] != "localhost:4317" {
			t.Errorf("endpoint = %v, want host:port only", e.Data["endpoint"])
		}
	}
}

func TestSetGlobal(t *testing.T) {
	oldTP, oldMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(oldTP)
		otel.SetMeterProvider(oldMP)
	}()

	providers, err := NewProviders(context.Background(), Options{ServiceName: "credential-core"})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	providers.SetGlobal()
	if otel.GetTracerProvider() == oldTP {
		t.Error("TracerProvider should be updated")
	}
	if otel.GetMeterProvider() == oldMP {
		t.Error("MeterProvider should be updated")
	}
}

func TestSetGlobal_PartialProviders(t *testing.T) {
	oldTP, oldMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(oldTP)
		otel.SetMeterProvider(oldMP)
	}()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	(&Providers{TracerProvider: tp}).SetGlobal()

	if otel.GetTracerProvider() == oldTP {
		t.Error("TracerProvider should be updated")
	}
	if otel.GetMeterProvider() != oldMP {
		t.Error("MeterProvider should not be updated when nil")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw          string
		force        bool
		wantTarget   string
		wantInsecure bool
	}{
		{"localhost:4317", false, "localhost:4317", true},
		{"http://collector:4317/v1/traces", false, "collector:4317", true},
		{"https://collector:4317", false, "collector:4317", false},
		{"https://collector:4317", true, "collector:4317", true},
	}
	for _, tt := range tests {
		got, err := parseEndpoint(tt.raw, tt.force)
		if err != nil {
			t.Fatalf("parseEndpoint(%q): %v", tt.raw, err)
		}
		if got.target != tt.wantTarget || got.insecure != tt.wantInsecure {
			t.Errorf("parseEndpoint(%q, %v) = %+v, want target %q insecure %v", tt.raw, tt.force, got, tt.wantTarget, tt.wantInsecure)
		}
	}
}

func TestShutdownStack_ReverseOrderAndJoinedErrors(t *testing.T) {
	log, hook := test.NewNullLogger()
	var order []int
	boom := errors.New("boom")
	stack := shutdownStack{
		func(context.Context) error { order = append(order, 1); return nil },
		func(context.Context) error { order = append(order, 2); return boom },
	}
	err := stack.run(context.Background(), log)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("order = %v, want [2 1]", order)
	}
	if len(hook.AllEntries()) != 1 {
		t.Errorf("logged %d entries, want 1", len(hook.AllEntries()))
	}
}
