package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/ayuuum/amber-eventbus/pkg/config"
)

const shutdownTimeout = 5 * time.Second

// Init installs the W3C trace-context propagator and, when a tracing URL is
// configured, an OTLP/HTTP tracer provider. The returned function flushes
// and stops the provider.
func Init(cfg config.Observability) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}

	// Event headers carry the publisher's trace context to the processor.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.TracingURL == "" {
		slog.Info("tracing disabled: no tracing URL configured")
		return func() {}, nil
	}

	tp, err := newTracerProvider(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("tracer provider shutdown failed", "error", err)
		}
	}, nil
}

func newTracerProvider(ctx context.Context, cfg config.Observability) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(endpointOptions(cfg.TracingURL)...))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// endpointOptions accepts a full collector URL or a bare host:port. A bare
// endpoint is assumed to be a plaintext collector on the local network.
func endpointOptions(tracingURL string) []otlptracehttp.Option {
	if strings.HasPrefix(tracingURL, "http://") || strings.HasPrefix(tracingURL, "https://") {
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(tracingURL)}
	}
	return []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(tracingURL),
		otlptracehttp.WithInsecure(),
	}
}
