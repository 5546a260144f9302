// Package otel wires docsearch's traces and operation metrics.
//
// Metrics are always collected in process through a manual reader so the
// daemon can report its own totals. Span export is opt-in through Config.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "github.com/basket/docsearch"
	MeterName  = "github.com/basket/docsearch"

	defaultServiceName = "docsearch"
)

// Config is the telemetry block of config.yaml. Enabled controls span
// export only.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Provider owns the tracer and meter used by the daemon.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// TracerProvider is nil while span export is disabled.
	TracerProvider *sdktrace.TracerProvider

	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the provider. version is reported as service.version on every
// span and metric.
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	res, err := newResource(ctx, cfg, version)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	p := &Provider{
		Meter:    mp.Meter(MeterName),
		reader:   reader,
		shutdown: []func(context.Context) error{mp.Shutdown},
	}

	if !cfg.Enabled {
		p.Tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
		return p, nil
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	// Spans flush before the meter provider goes away.
	p.shutdown = append([]func(context.Context) error{tp.Shutdown}, p.shutdown...)
	return p, nil
}

// Shutdown flushes pending spans, then stops metric collection. The first
// error wins.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newResource(ctx context.Context, cfg Config, version string) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		attribute.String("docsearch.store", "sqlite"),
	}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0, rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// newSpanExporter returns nil for exporter "none": spans are created and
// sampled but never leave the process.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}
