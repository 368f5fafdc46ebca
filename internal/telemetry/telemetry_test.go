package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewRegistersGlobalProviderAndTracerEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	p := New(Config{ServiceName: "telemetry-test", SampleRatio: 1})
	require.NotNil(t, p)
	defer func() { _ = p.Shutdown(context.Background()) }()

	// New attaches no span processor, so register a synchronous one with an
	// in-memory exporter to capture the span.
	p.tp.RegisterSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter))

	tracer := Tracer("telemetry-test")
	_, span := tracer.Start(context.Background(), "unit-test-span")
	span.End()

	require.NoError(t, p.tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "unit-test-span", spans[0].Name)
}

func TestNewWithZeroSampleRatioNeverSamples(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	p := New(Config{ServiceName: "telemetry-test-unsampled"})
	defer func() { _ = p.Shutdown(context.Background()) }()
	p.tp.RegisterSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter))

	tracer := Tracer("telemetry-test-unsampled")
	_, span := tracer.Start(context.Background(), "should-not-record")
	span.End()

	require.NoError(t, p.tp.ForceFlush(context.Background()))
	assert.Empty(t, exporter.GetSpans())
}

func TestShutdownIsNilSafe(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
