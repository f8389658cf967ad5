// Package otel provides OpenTelemetry TracerProvider, MeterProvider, and LoggerProvider
// configured with OTLP exporters, and an audit sink that mirrors persisted audit entries to the
// collector as log records.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const defaultMetricInterval = 10 * time.Second

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// Options configures NewProviders.
type Options struct {
	// Endpoint is host:port or a URL; any path is dropped. Empty disables export.
	Endpoint    string
	ServiceName string
	// Insecure forces plaintext even for https endpoints.
	Insecure       bool
	MetricInterval time.Duration
	Log            logrus.FieldLogger
}

type collector struct {
	target   string
	insecure bool
}

func parseEndpoint(raw string, forceInsecure bool) (collector, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return collector{}, fmt.Errorf("invalid OTLP endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return collector{}, fmt.Errorf("invalid OTLP endpoint %q: missing host", raw)
	}
	return collector{target: u.Host, insecure: forceInsecure || u.Scheme != "https"}, nil
}

// shutdownStack runs registered shutdown functions in reverse order.
type shutdownStack []func(context.Context) error

func (s shutdownStack) run(ctx context.Context, log logrus.FieldLogger) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](ctx); err != nil {
			log.WithError(err).Warn("telemetry shutdown")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewProviders creates providers that export via OTLP/gRPC to opts.Endpoint. With an empty
// endpoint the providers have no exporters and Shutdown is a no-op.
func NewProviders(ctx context.Context, opts Options) (*Providers, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  metric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}
	col, err := parseEndpoint(endpoint, opts.Insecure)
	if err != nil {
		return nil, err
	}
	interval := opts.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(opts.ServiceName)))
	if err != nil {
		return nil, err
	}

	var stack shutdownStack
	fail := func(err error) (*Providers, error) {
		_ = stack.run(ctx, log)
		return nil, err
	}

	traceExp, err := otlptracegrpc.New(ctx, col.traceOptions()...)
	if err != nil {
		return fail(err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	stack = append(stack, tp.Shutdown)

	metricExp, err := otlpmetricgrpc.New(ctx, col.metricOptions()...)
	if err != nil {
		return fail(err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(interval))),
	)
	stack = append(stack, mp.Shutdown)

	logExp, err := otlploggrpc.New(ctx, col.logOptions()...)
	if err != nil {
		return fail(err)
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res))
	stack = append(stack, lp.Shutdown)

	log.WithFields(logrus.Fields{"endpoint": col.target, "insecure": col.insecure}).Info("otlp export enabled")
	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		Shutdown:       func(ctx context.Context) error { return stack.run(ctx, log) },
	}, nil
}

func (c collector) traceOptions() []otlptracegrpc.Option {
	o := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.target)}
	if c.insecure {
		o = append(o, otlptracegrpc.WithInsecure())
	}
	return o
}

func (c collector) metricOptions() []otlpmetricgrpc.Option {
	o := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.target)}
	if c.insecure {
		o = append(o, otlpmetricgrpc.WithInsecure())
	}
	return o
}

func (c collector) logOptions() []otlploggrpc.Option {
	o := []otlploggrpc.Option{otlploggrpc.WithEndpoint(c.target)}
	if c.insecure {
		o = append(o, otlploggrpc.WithInsecure())
	}
	return o
}

// SetGlobal installs the tracer and meter providers for instrumentation such as otelgrpc.
// The LoggerProvider is passed explicitly to the audit sink instead.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
