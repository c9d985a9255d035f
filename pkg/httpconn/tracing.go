package httpconn

import (
	"context"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "httpconn")
	TracerName string
	// TracerProvider supplies the tracer (default: the global provider)
	TracerProvider trace.TracerProvider
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "httpconn",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that adds OpenTelemetry tracing to requests.
// It uses default configuration settings and skips tracing for health and metrics endpoints.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that adds OpenTelemetry tracing with custom configuration.
// It creates a server span per request and continues any trace carried in the request headers.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "httpconn"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			if skipMap[req.Path()] {
				return next.ServeRequest(ctx, req)
			}

			headers, _ := req.Headers()
			parentCtx := config.Propagator.Extract(ctx, headerCarrier{headers: &headers})

			spanCtx, span := tracer.Start(
				parentCtx,
				req.Method()+" "+req.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			attrs := []attribute.KeyValue{
				attribute.String("http.method", req.Method()),
				attribute.String("http.target", req.Path()),
			}
			if u, err := url.Parse(req.URL()); err == nil {
				attrs = append(attrs,
					attribute.String("http.scheme", u.Scheme),
					attribute.String("http.host", u.Host))
			}
			if id := RequestIDFromContext(ctx); id != "" {
				attrs = append(attrs, attribute.String("http.request_id", id))
			}
			span.SetAttributes(attrs...)

			resp, err := next.ServeRequest(spanCtx, req)

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case resp == nil:
				span.SetStatus(codes.Error, ErrInvalidResponse.Error())
			default:
				span.SetAttributes(attribute.Int("http.status_code", resp.status()))
				if resp.status() >= 400 {
					span.SetStatus(codes.Error, "HTTP error")
				} else {
					span.SetStatus(codes.Ok, "")
				}
			}
			return resp, err
		})
	}
}
