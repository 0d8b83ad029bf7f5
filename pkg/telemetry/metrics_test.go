package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*otelMetrics, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := newOtelMetrics(provider.Meter(meterName))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestEventProcessed(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.EventProcessed(ctx, "booking.created", OutcomeCompleted, "")
	m.EventProcessed(ctx, "booking.created", OutcomeRetried, "http_5xx")
	m.EventProcessed(ctx, "booking.created", OutcomeRetried, "network")

	processed := findMetric(collect(t, reader), "eventbus.events.processed")
	assert.Equal(t, int64(1), sumFor(t, processed, "outcome", OutcomeCompleted))
	assert.Equal(t, int64(2), sumFor(t, processed, "outcome", OutcomeRetried))
}

func TestHandlerExecuted(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HandlerExecuted(ctx, "booking.created", "chat_notify", 40*time.Millisecond, nil)
	m.HandlerExecuted(ctx, "booking.created", "chat_notify", 60*time.Millisecond, errors.New("503"))
	m.SLABreached(ctx, "booking.created", "chat_notify", 60*time.Millisecond)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "eventbus.handler.executions"), "handler", "chat_notify"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "eventbus.handler.errors"), "handler", "chat_notify"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "eventbus.handler.sla_breaches"), "handler", "chat_notify"))

	latency := findMetric(rm, "eventbus.handler.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.Equal(t, 100.0, hist.DataPoints[0].Sum)
}

func TestEventPublished(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.EventPublished(ctx, "booking.created", false)
	m.EventPublished(ctx, "booking.created", true)
	m.PublishFailed(ctx, "booking.created")

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "eventbus.events.published"), "event_type", "booking.created"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "eventbus.events.publish_failed"), "event_type", "booking.created"))
}

func TestNewMetrics_UsesGlobalProvider(t *testing.T) {
	_, isNoop := NewMetrics().(NoopMetrics)
	assert.False(t, isNoop)
}
