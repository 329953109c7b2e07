// Package otelx installs the global tracer provider and propagators.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/capsium/reactor/internal/xerrors"
)

const dialTimeout = 3 * time.Second

type Options struct {
	Enabled  bool
	Endpoint string // host:port of an OTLP/gRPC collector
	Insecure bool
	// Sample is the ratio of new root traces kept, clamped to [0, 1].
	// Child spans follow their parent's decision.
	Sample    float64
	Service   string
	Component string
	Version   string
	// Attributes are added to the resource, e.g. the content source.
	Attributes map[string]string
}

func (o Options) serviceName() string {
	if o.Component == "" {
		return o.Service
	}
	return o.Service + "." + o.Component
}

func (o Options) userAgent() string {
	if o.Version == "" {
		return o.serviceName()
	}
	return o.serviceName() + "/" + o.Version
}

func (o Options) ratio() float64 {
	switch {
	case o.Sample < 0:
		return 0
	case o.Sample > 1:
		return 1
	}
	return o.Sample
}

// Init sets the global tracer provider and returns its shutdown. With
// tracing disabled the provider records nothing but trace context still
// propagates, so request ids and upstream traceparent headers keep flowing.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())))
		return func(context.Context) error { return nil }, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otelx: tracing enabled without an OTLP endpoint")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(o.userAgent())),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter for %s", o.Endpoint)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(o.serviceName()),
		semconv.ServiceVersionKey.String(o.Version),
	}
	for k, v := range o.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	// partial resources are still usable, so detector errors are dropped
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.ratio()))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
