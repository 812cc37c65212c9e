package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "delegateflow-test",
		SampleRate:   0.5,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// no collector is listening; only the deadline matters
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestInitWithExporter_RecordsSpansAndMetrics(t *testing.T) {
	restoreGlobals(t)

	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := InitWithExporter(config.TelemetryConfig{ServiceName: "delegateflow", SampleRate: 1}, spans, reader)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := otel.Tracer("test").Start(context.Background(), "taskqueue.acquire")
	span.SetAttributes(attribute.String("task_id", "t-1"))
	span.End()

	counter, err := otel.Meter("test").Int64Counter("tasks_acquired")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "taskqueue.acquire", got[0].Name)
	assert.Contains(t, got[0].Attributes, attribute.String("task_id", "t-1"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "tasks_acquired", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Enabled())
}

func TestVersion(t *testing.T) {
	// test binaries report "(devel)"
	assert.Equal(t, "dev", Version())
}
