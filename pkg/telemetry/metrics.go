package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "amber-eventbus"

// Event outcomes recorded by the processor.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeStoreError   = "store_error"
)

// Metrics records event bus metrics.
// Use NewMetrics() for OTel metrics or NoopMetrics{} when disabled.
type Metrics interface {
	// EventPublished counts a publish call; deduplicated is true when an
	// in-flight event was returned instead of a new one.
	EventPublished(ctx context.Context, eventType string, deduplicated bool)

	// PublishFailed counts a publish call that could not reach the store.
	PublishFailed(ctx context.Context, eventType string)

	// EventProcessed counts the terminal result of one processing attempt.
	EventProcessed(ctx context.Context, eventType, outcome, errorType string)

	// HandlerExecuted records one handler execution and its latency.
	HandlerExecuted(ctx context.Context, eventType, handler string, duration time.Duration, err error)

	// SLABreached counts a handler execution slower than its alert threshold.
	SLABreached(ctx context.Context, eventType, handler string, elapsed time.Duration)
}

type otelMetrics struct {
	published      metric.Int64Counter
	publishFailed  metric.Int64Counter
	processed      metric.Int64Counter
	handlerRuns    metric.Int64Counter
	handlerErrors  metric.Int64Counter
	handlerLatency metric.Float64Histogram
	slaBreaches    metric.Int64Counter
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	published, err := meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of publish calls, by event type and deduplication"),
	)
	if err != nil {
		return nil, err
	}

	publishFailed, err := meter.Int64Counter("eventbus.events.publish_failed",
		metric.WithDescription("Number of publish calls that failed to store the event"),
	)
	if err != nil {
		return nil, err
	}

	processed, err := meter.Int64Counter("eventbus.events.processed",
		metric.WithDescription("Number of processing attempts, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	handlerRuns, err := meter.Int64Counter("eventbus.handler.executions",
		metric.WithDescription("Number of handler executions"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of failed handler executions"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("eventbus.handler.latency_ms",
		metric.WithDescription("Handler execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	slaBreaches, err := meter.Int64Counter("eventbus.handler.sla_breaches",
		metric.WithDescription("Number of handler executions over their SLA alert threshold"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:      published,
		publishFailed:  publishFailed,
		processed:      processed,
		handlerRuns:    handlerRuns,
		handlerErrors:  handlerErrors,
		handlerLatency: handlerLatency,
		slaBreaches:    slaBreaches,
	}, nil
}

// NewMetrics returns a Metrics that uses the global OTel meter provider.
// If instrument creation fails, it returns a no-op recorder.
func NewMetrics() Metrics {
	m, err := newOtelMetrics(otel.Meter(meterName))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) EventPublished(ctx context.Context, eventType string, deduplicated bool) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("deduplicated", deduplicated),
	))
}

func (m *otelMetrics) PublishFailed(ctx context.Context, eventType string) {
	m.publishFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) EventProcessed(ctx context.Context, eventType, outcome, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error_type", errorType))
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *otelMetrics) HandlerExecuted(ctx context.Context, eventType, handler string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
	)
	m.handlerRuns.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) SLABreached(ctx context.Context, eventType, handler string, elapsed time.Duration) {
	m.slaBreaches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("handler", handler),
	))
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) EventPublished(context.Context, string, bool)                           {}
func (NoopMetrics) PublishFailed(context.Context, string)                                  {}
func (NoopMetrics) EventProcessed(context.Context, string, string, string)                 {}
func (NoopMetrics) HandlerExecuted(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) SLABreached(context.Context, string, string, time.Duration)             {}
