package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/akarpov87/relaygw/internal/util"
)

// TracerName is the instrumentation name used for gateway spans.
const TracerName = "relaygw"

// TracingConfig holds configuration for the tracing provider.
type TracingConfig struct {
	// Enabled toggles trace export. When false the provider is a no-op.
	Enabled bool

	// ServiceName is the name of the service reported on spans.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string

	// Insecure disables TLS for the exporter connection.
	Insecure bool

	// SampleRate is the sampling rate (0.0 to 1.0).
	SampleRate float64

	// BatchTimeout is the maximum time to wait before exporting a batch.
	BatchTimeout time.Duration
}

// DefaultTracingConfig returns a TracingConfig with default values.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "relaygw",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// TracingProvider manages the OpenTelemetry trace provider lifecycle.
type TracingProvider struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	logger         Logger
}

// NewTracingProvider creates a new tracing provider.
func NewTracingProvider(config *TracingConfig, logger Logger) *TracingProvider {
	if config == nil {
		config = DefaultTracingConfig()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &TracingProvider{
		config: config,
		logger: logger,
	}
}

// Start initializes the tracer provider and registers it globally.
func (p *TracingProvider) Start(ctx context.Context) error {
	if !p.config.Enabled {
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(p.config.ServiceName),
			semconv.ServiceVersion(p.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.Endpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(
			credentials.NewClientTLSFromCert(nil, ""),
		))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.config.SampleRate))

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.logger.Info("tracing initialized",
		String("endpoint", p.config.Endpoint),
		Float64("sample_rate", p.config.SampleRate),
	)

	return nil
}

// Stop flushes and shuts down the tracer provider.
func (p *TracingProvider) Stop(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}

// TracingMiddleware returns an HTTP middleware that creates a server span per
// request, extracting any incoming trace context from the headers.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	tracer := otel.Tracer(TracerName)
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx,
				fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("service.name", serviceName),
				),
			)
			defer span.End()

			if route := util.RouteFromContext(ctx); route != "" {
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			for name, value := range util.PathParamsFromContext(ctx) {
				span.SetAttributes(attribute.String("http.route.param."+name, value))
			}

			sw := &spanStatusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(sw.status))
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// spanStatusWriter captures the response status for span attributes.
type spanStatusWriter struct {
	http.ResponseWriter
	status int
}

func (w *spanStatusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming responses.
func (w *spanStatusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
