package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/registry"
)

// Default tracer name.
const defaultTracerName = "statewire"

// OTelConfig configures the OpenTelemetry dispatch interceptor.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "statewire").
	TracerName string

	// Filter determines which dispatches to trace. Return true to
	// trace. If nil, all dispatches are traced.
	Filter func(req *registry.DispatchRequest) bool

	// AttributeExtractor extracts custom attributes per dispatch.
	AttributeExtractor func(req *registry.DispatchRequest) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry dispatch interceptor.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithDispatchFilter sets a filter for traced dispatches.
func WithDispatchFilter(filter func(req *registry.DispatchRequest) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(req *registry.DispatchRequest) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// OpenTelemetry creates a dispatch interceptor that opens a span per
// action dispatch, named "<component>.<action>", with the instance id
// and mutation result as attributes. Errors set the span status.
//
// The tracer comes from the global tracer provider; configure it in
// main() before serving:
//
//	otel.SetTracerProvider(tp)
//	reg.Use(middleware.OpenTelemetry())
func OpenTelemetry(opts ...OTelOption) registry.DispatchInterceptor {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(next registry.DispatchFunc) registry.DispatchFunc {
		return func(ctx context.Context, req *registry.DispatchRequest) (*component.Outcome, error) {
			if config.Filter != nil && !config.Filter(req) {
				return next(ctx, req)
			}

			attrs := []attribute.KeyValue{
				attribute.String("statewire.component", req.TypeName),
				attribute.String("statewire.action", req.Action),
				attribute.String("statewire.instance_id", req.InstanceID),
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(req)...)
			}

			ctx, span := config.tracer.Start(ctx, req.TypeName+"."+req.Action,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...))
			defer span.End()

			outcome, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return outcome, err
			}

			span.SetAttributes(
				attribute.Bool("statewire.state_changed", outcome.StateChanged),
				attribute.Int64("statewire.version", int64(outcome.Version)),
			)
			span.SetStatus(codes.Ok, "")
			return outcome, nil
		}
	}
}
