package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/polyquery/polyquery/internal/build"
)

type TracerOption func(d *customTracer)

// WithOTLPEndpoint sets the collector spans are exported to. Without one,
// spans are only handed to registered span processors.
func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(d *customTracer) {
		d.endpoint = endpoint
	}
}

func WithOTLPInsecure() TracerOption {
	return func(d *customTracer) {
		d.insecure = true
	}
}

func WithServiceName(serviceName string) TracerOption {
	return func(d *customTracer) {
		d.serviceName = serviceName
	}
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(d *customTracer) {
		d.samplingRatio = samplingRatio
	}
}

type customTracer struct {
	endpoint    string
	insecure    bool
	serviceName string

	samplingRatio float64
}

// MustNewTracerProvider builds a tracer provider and installs it, with the
// W3C propagators, as the global one.
func MustNewTracerProvider(opts ...TracerOption) TracerProvider {
	tracer := &customTracer{
		serviceName: "polyquery",
	}

	for _, opt := range opts {
		opt(tracer)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(tracer.serviceName),
			semconv.ServiceVersionKey.String(build.Version),
		))
	if err != nil {
		panic(err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tracer.samplingRatio))),
		sdktrace.WithResource(res),
	}

	if tracer.endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tracer.endpoint)}
		if tracer.insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			panic(fmt.Sprintf("failed to establish a connection with the otlp exporter: %v", err))
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return &sdkProvider{TracerProvider: tp}
}

// TraceError marks span as failed with err.
func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
