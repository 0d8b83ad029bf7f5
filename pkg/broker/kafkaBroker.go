package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ayuuum/amber-eventbus/pkg/config"
	"github.com/ayuuum/amber-eventbus/schema"
)

// kafkaWriter is the part of *kafka.Writer the broker uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error)

// NewKafkaBroker writes to the topic named by the event type. The entity
// id is the message key, so the hash balancer keeps one entity's events on
// one partition and in order.
var NewKafkaBroker KafkaBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, errors.New("kafka broker requires at least one broker address")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(settings.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &kafkaBroker{writer: writer, logger: logger.With("broker", "kafka")}, nil
}

type kafkaBroker struct {
	writer kafkaWriter
	logger *slog.Logger
}

func (k *kafkaBroker) Publish(ctx context.Context, event *schema.Event) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "kafka.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindTopic,
			semconv.MessagingDestinationKey.String(event.EventType),
			semconv.MessagingKafkaMessageKeyKey.String(event.EntityID),
			semconv.MessagingMessageIDKey.String(event.ID),
		),
	)
	defer span.End()

	headers := messageHeaders(ctx, event)
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Topic:   event.EventType,
		Key:     []byte(event.EntityID),
		Value:   event.Payload,
		Headers: kafkaHeaders,
		Time:    event.CreatedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(semconv.MessagingMessagePayloadSizeBytesKey.Int(len(event.Payload)))
	return nil
}

func (k *kafkaBroker) Close() error {
	return k.writer.Close()
}
