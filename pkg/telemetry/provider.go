package telemetry

import (
	"context"
	"errors"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type TracerProvider interface {
	trace.TracerProvider

	// Close flushes pending spans and stops the exporter. Only the first
	// call does any work.
	Close(context.Context) error
	RegisterSpanProcessor(sdktrace.SpanProcessor)
}

type sdkProvider struct {
	*sdktrace.TracerProvider

	closeOnce sync.Once
}

func (p *sdkProvider) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.ForceFlush(ctx), p.Shutdown(ctx))
	})
	return err
}
