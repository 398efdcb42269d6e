// Package tracing wires up OpenTelemetry span export for the proxy.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/willkirkmanm/httpcacheproxy/internal/config"
)

// InitTracing configures the global tracer provider from cfg's Jaeger
// and/or OTLP exporters, and returns a shutdown func to flush and close
// them. If cfg.Enabled is false, InitTracing is a no-op.
func InitTracing(cfg config.TracingConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	var exporters []trace.SpanExporter

	if cfg.JaegerEndpoint != "" {
		jaegerExporter, err := jaeger.New(
			jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: create jaeger exporter: %w", err)
		}
		exporters = append(exporters, jaegerExporter)
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
		}
		exporters = append(exporters, otlpExporter)
	}

	if len(exporters) == 0 {
		return nil, fmt.Errorf("tracing: enabled but no exporter endpoint configured")
	}

	var processors []trace.SpanProcessor
	for _, exporter := range exporters {
		processors = append(processors, trace.NewBatchSpanProcessor(
			exporter,
			trace.WithBatchTimeout(5*time.Second),
			trace.WithMaxExportBatchSize(512),
		))
	}

	var sampler trace.Sampler
	switch {
	case cfg.SamplingRatio <= 0:
		sampler = trace.NeverSample()
	case cfg.SamplingRatio >= 1:
		sampler = trace.AlwaysSample()
	default:
		sampler = trace.ParentBased(trace.TraceIDRatioBased(cfg.SamplingRatio))
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)
	for _, processor := range processors {
		tp.RegisterSpanProcessor(processor)
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}, nil
}
