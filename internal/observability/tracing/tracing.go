// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/target/mmk-jobs/config"
)

// ShutdownFunc flushes buffered spans and stops the exporter.
type ShutdownFunc func(context.Context) error

// Options configures Init.
type Options struct {
	Config config.ObservabilityTracingConfig
	// Environment is attached to every span as deployment.environment.
	Environment string
	// Writer receives spans from the stdout exporter. Defaults to os.Stdout.
	Writer io.Writer
}

func noopShutdown(context.Context) error { return nil }

// Init builds the exporter selected by opts.Config and registers the provider
// globally. With the none exporter a no-op provider is installed so the worker
// pool pays nothing for spans.
func Init(ctx context.Context, opts Options) (ShutdownFunc, error) {
	cfg := opts.Config
	if !cfg.Enabled() {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	exp, err := newExporter(ctx, cfg, opts.Writer)
	if err != nil {
		return noopShutdown, fmt.Errorf("tracing exporter %s: %w", cfg.Exporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", opts.Environment),
	))
	if err != nil && !errors.Is(err, resource.ErrSchemaURLConflict) {
		_ = exp.Shutdown(ctx)
		return noopShutdown, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

//nolint:ireturn // exporters are only reachable through the SpanExporter interface.
func newExporter(ctx context.Context, cfg config.ObservabilityTracingConfig, w io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case config.TracingExporterStdout:
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case config.TracingExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.Endpoint)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q", cfg.Exporter)
	}
}
