// Package trace records each orchestrator provisioning step as a
// span. There is no collector to ship spans to (isolate is a
// single-shot CLI, not a long-running service), so the only
// configured exporter writes a pretty-printed trace to stderr for -v
// diagnostics.
package trace

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/isolatehq/isolate"

var (
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
)

// Init installs a stdout-exporting tracer provider as the process-wide
// default and returns a shutdown function the caller must run before
// the process exits, so the exporter flushes its buffered spans.
// enabled controls whether spans are exported at all; when false, a
// no-op tracer provider is installed and Init's shutdown is a no-op.
func Init(invocationTag string, enabled bool) (shutdown func(context.Context) error, err error) {
	mu.Lock()
	defer mu.Unlock()

	if !enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("isolate"),
			attribute.String("invocation.tag", invocationTag),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBlocking()),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// StartStep starts a span for one orchestrator provisioning step.
// The returned span must be finished with FinishStep.
func StartStep(ctx context.Context, step string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, step)
	span.SetAttributes(attribute.String("orchestrator.step", step))
	return ctx, span
}

// FinishStep ends span, recording err on it if non-nil.
func FinishStep(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
