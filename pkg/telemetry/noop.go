package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type noopProvider struct {
	noop.TracerProvider
}

// Noop returns a provider whose spans are never recorded.
func Noop() TracerProvider {
	return noopProvider{TracerProvider: noop.NewTracerProvider()}
}

func (noopProvider) Close(context.Context) error { return nil }

func (noopProvider) RegisterSpanProcessor(sdktrace.SpanProcessor) {}
