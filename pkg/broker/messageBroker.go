package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ayuuum/amber-eventbus/schema"
)

const tracerName = "amber-eventbus"

// Header keys every relayed message carries.
const (
	HeaderEventID    = "event_id"
	HeaderEventType  = "event_type"
	HeaderEntityType = "entity_type"
	HeaderEntityID   = "entity_id"
)

// MessageBroker defines the operations to relay events to a broker.
type MessageBroker interface {
	// Publish sends the event payload to the destination named by its event type.
	Publish(ctx context.Context, event *schema.Event) error
	// Close cleans up any resources (connections).
	Close() error
}

// messageHeaders merges the event's stored headers, the current trace
// context and the event identity into one map. Identity keys win.
func messageHeaders(ctx context.Context, event *schema.Event) map[string]string {
	headers := make(map[string]string, len(event.Headers)+6)
	for k, v := range event.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	headers[HeaderEventID] = event.ID
	headers[HeaderEventType] = event.EventType
	headers[HeaderEntityType] = event.EntityType
	headers[HeaderEntityID] = event.EntityID
	return headers
}
