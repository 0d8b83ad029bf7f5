package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ayuuum/amber-eventbus/pkg/config"
	"github.com/ayuuum/amber-eventbus/schema"
)

const defaultExchange = "eventbus.events"

var (
	errConnectionClosed = errors.New("rabbitmq connection is closed")
	errBrokerClosed     = errors.New("rabbitmq broker is closed")
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error)

// NewRabbitMqBroker connects to RabbitMQ, declares the topic exchange and
// keeps a pool of channels that is rebuilt whenever the connection drops.
var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		settings:        settings,
		logger:          logger.With("broker", "rabbitmq"),
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	mu          sync.RWMutex
	connection  amqpConnection
	channelPool chan *pooledChannel
	closed      bool

	settings        *config.BrokerSettings
	logger          *slog.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closeOnce       sync.Once
}

func (r *rabbitMqBroker) exchange() string {
	if r.settings.Exchange != "" {
		return r.settings.Exchange
	}
	return defaultExchange
}

// Publish sends the payload to the topic exchange with the event type as
// routing key, so consumers bind queues on patterns such as "booking.*".
func (r *rabbitMqBroker) Publish(ctx context.Context, event *schema.Event) error {
	exchange := r.exchange()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rabbitmq.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindTopic,
			semconv.MessagingDestinationKey.String(exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(event.EventType),
			semconv.MessagingMessageIDKey.String(event.ID),
		),
	)
	defer span.End()

	amqpHeaders := make(amqp.Table)
	for k, v := range messageHeaders(ctx, event) {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		exchange, event.EventType, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.CreatedAt,
			Body:         event.Payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}

	span.SetAttributes(semconv.MessagingMessagePayloadSizeBytesKey.Int(len(event.Payload)))

	return nil
}

func (r *rabbitMqBroker) Close() error {
	var err error
	r.closeOnce.Do(func() {
		// Stop the connection recovery goroutine
		close(r.stopReconnect)
		r.reconnectTicker.Stop()

		r.mu.Lock()
		conn, pool := r.connection, r.channelPool
		r.connection = nil
		r.closed = true
		r.mu.Unlock()

		for drained := false; !drained; {
			select {
			case pooledChan := <-pool:
				pooledChan.channel.Close()
			default:
				drained = true
			}
		}

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
	})
	return err
}
