// Package telemetry wires optional OTLP tracing around the supervisor's
// lifecycle operations. Tracing stays off unless OTEL_EXPORTER_OTLP_ENDPOINT
// is set; the disabled state is a noop tracer with no overhead.
package telemetry

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "kestrel"

// Provider owns the tracer the Supervisor uses around its declare, start,
// stop, remove, and snapshot save/load paths. It is a plain value with an
// explicit lifetime: main constructs one, hands it to the Supervisor, and
// flushes it on shutdown.
type Provider struct {
	tracer trace.Tracer
	sdk    *sdktrace.TracerProvider
}

// Nop returns a Provider whose spans are all no-ops. Used when tracing is
// disabled and by tests.
func Nop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(serviceName)}
}

// Init builds the Provider for this process. Without an OTLP endpoint in
// the environment, or when exporter construction fails, it degrades to
// Nop: tracing problems never block startup.
func Init(ctx context.Context) *Provider {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return Nop()
	}
	// otlptracehttp wants a bare host:port, not a URL.
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return Nop()
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(sdk)

	return &Provider{tracer: sdk.Tracer(serviceName + "/supervisor"), sdk: sdk}
}

// Start opens a span for one supervisor operation.
func (p *Provider) Start(ctx context.Context, op string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, op)
}

// Shutdown flushes pending spans. A noop Provider has nothing to flush.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
