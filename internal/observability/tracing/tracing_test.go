package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/target/mmk-jobs/config"
)

func restoreGlobalProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInit_NoneInstallsNoop(t *testing.T) {
	restoreGlobalProvider(t)

	shutdown, err := Init(context.Background(), Options{Config: config.ObservabilityTracingConfig{Exporter: config.TracingExporterNone}})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := otel.Tracer("test").Start(context.Background(), "ignored")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestInit_StdoutExportsSpans(t *testing.T) {
	restoreGlobalProvider(t)

	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Options{
		Config: config.ObservabilityTracingConfig{
			Exporter:    config.TracingExporterStdout,
			SampleRatio: 1,
			ServiceName: "mmk-jobs-test",
		},
		Environment: "ci",
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "mmk_jobs.job.process")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "mmk_jobs.job.process")
	assert.Contains(t, out, "mmk-jobs-test")
	assert.Contains(t, out, "ci")
}

func TestInit_ZeroRatioDropsRootSpans(t *testing.T) {
	restoreGlobalProvider(t)

	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Options{
		Config: config.ObservabilityTracingConfig{Exporter: config.TracingExporterStdout, ServiceName: "svc"},
		Writer: &buf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "unsampled")
	span.End()
	assert.False(t, span.SpanContext().IsSampled())
	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
}

func TestInit_RejectsUnknownExporter(t *testing.T) {
	restoreGlobalProvider(t)

	shutdown, err := Init(context.Background(), Options{Config: config.ObservabilityTracingConfig{Exporter: "jaeger"}})
	require.ErrorContains(t, err, "unsupported exporter")
	require.NoError(t, shutdown(context.Background()))
}

func TestInit_OTLPHTTPBuildsLazily(t *testing.T) {
	restoreGlobalProvider(t)

	shutdown, err := Init(context.Background(), Options{Config: config.ObservabilityTracingConfig{
		Exporter:    config.TracingExporterOTLPHTTP,
		Endpoint:    "http://127.0.0.1:4318",
		Headers:     map[string]string{"x-api-key": "k"},
		Insecure:    true,
		SampleRatio: 1,
		ServiceName: "svc",
	}})
	require.NoError(t, err)

	// Nothing was recorded, so shutdown has no batch to push to the collector.
	assert.NoError(t, shutdown(context.Background()))
}
