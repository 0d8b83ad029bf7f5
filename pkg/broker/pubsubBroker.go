package broker

import (
	"context"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/ayuuum/amber-eventbus/pkg/config"
	"github.com/ayuuum/amber-eventbus/schema"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub brokers.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{
		client: client,
		logger: logger.With("broker", "gcp-pubsub"),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// pubSubBroker publishes each event type to the topic of the same name.
// Messages are ordered per entity.
type pubSubBroker struct {
	client *pubsub.Client
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, event *schema.Event) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pubsub.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindTopic,
			semconv.MessagingDestinationKey.String(event.EventType),
			semconv.MessagingMessageIDKey.String(event.ID),
		),
	)
	defer span.End()

	message := &pubsub.Message{
		Data:        event.Payload,
		Attributes:  messageHeaders(ctx, event),
		OrderingKey: event.EntityID,
	}

	topic := p.topic(event.EventType)
	res := topic.Publish(ctx, message)
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		// A failed ordered publish pauses the key until resumed.
		topic.ResumePublish(event.EntityID)
		return err
	}

	span.SetAttributes(semconv.MessagingMessagePayloadSizeBytesKey.Int(len(event.Payload)))

	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	return p.client.Close()
}
