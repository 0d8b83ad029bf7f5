package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ayuuum/amber-eventbus/pkg/config"
)

// NewBroker returns the broker selected by cfg.Type. A "none" or empty type
// yields a nil broker and no error; relaying is then disabled.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg, logger)
	case "kafka":
		return NewKafkaBroker(ctx, cfg, logger)
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
