// Package telemetry wires the orchestration core's tracer provider. Step
// execution (internal/workflow) and event ingress (internal/ingress) each
// accept an optional trace.Tracer and emit spans through it; this package
// is where that tracer is actually constructed for a running process.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls tracer-provider construction.
type Config struct {
	ServiceName string
	// SampleRatio is the fraction of traces recorded, [0,1]. 0 disables
	// tracing (an always-off sampler, matching the teacher's opt-in
	// observability posture where nothing ships a span unless asked to).
	SampleRatio float64
}

// Provider owns the process's TracerProvider and its shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New constructs a TracerProvider from cfg and registers it as the global
// provider, the way a cmd/ entrypoint wires telemetry once at startup.
// There is no exporter attached here: the orchestration core only commits
// to the span-creation contract (tracer.Start/span.End/span.RecordError),
// leaving the exporter (OTLP, stdout, etc.) to deployment-specific wiring
// the pack does not otherwise demonstrate a library for.
func New(cfg Config) *Provider {
	name := cfg.ServiceName
	if name == "" {
		name = "apphub-orchestrator-core"
	}

	sampler := sdktrace.NeverSample()
	if cfg.SampleRatio > 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL avoids a conflict when merging with resource.Default()
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}
}

// Tracer returns a named tracer from the global provider, for components
// constructed before telemetry.New ran (tests, or a provider-less default).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
