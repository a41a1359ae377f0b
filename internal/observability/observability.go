// Package observability wires the gateway's tracer and meter providers: a
// span per client-session request (C5) and per downstream lease (C2),
// exported to stdout by default so the tracing surface is exercised
// without requiring an external collector.
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies this gateway to whatever backend eventually
// receives its spans and metrics.
const ServiceName = "metamcp-gatewayd"

// Providers holds the process-wide tracer and meter providers along with
// the handle needed to flush and tear them down on shutdown.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	Tracer trace.Tracer
	Meter  metric.Meter
}

// Config selects where spans/metrics are written. A nil or zero Config
// defaults to stdout, matching the teacher's own stdout exporter wiring.
type Config struct {
	// TraceWriter receives one JSON line per finished span, and
	// MetricWriter receives the periodic metric exports. Either one
	// defaults to os.Stdout when left nil.
	TraceWriter  io.Writer
	MetricWriter io.Writer
}

// New builds the tracer and meter providers described by cfg, registers
// them as the process-global otel providers, and returns the handle used
// to shut them down. version is the build version reported on the
// resource (cmd's version string).
func New(ctx context.Context, version string, cfg Config) (*Providers, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	traceExp, err := newTraceExporter(cfg.TraceWriter)
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)

	metricExp, err := newMetricExporter(cfg.MetricWriter)
	if err != nil {
		return nil, fmt.Errorf("build metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ServiceName),
		Meter:          mp.Meter(ServiceName),
	}, nil
}

// Shutdown flushes and stops both providers, bounded by ctx.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	if p.TracerProvider != nil {
		if shutdownErr := p.TracerProvider.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
		}
	}
	if p.MeterProvider != nil {
		if shutdownErr := p.MeterProvider.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}

func newTraceExporter(w io.Writer) (sdktrace.SpanExporter, error) {
	opts := []stdouttrace.Option{stdouttrace.WithoutTimestamps()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	return stdouttrace.New(opts...)
}

func newMetricExporter(w io.Writer) (sdkmetric.Exporter, error) {
	var opts []stdoutmetric.Option
	if w != nil {
		opts = append(opts, stdoutmetric.WithWriter(w))
	}
	return stdoutmetric.New(opts...)
}
