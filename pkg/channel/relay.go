package channel

import (
	"context"
	"errors"

	"github.com/ayuuum/amber-eventbus/pkg/broker"
	"github.com/ayuuum/amber-eventbus/schema"
)

const RelayHandlerName = "broker_relay"

// BrokerRelay forwards events to the configured message broker.
type BrokerRelay struct {
	broker broker.MessageBroker
}

func NewBrokerRelay(b broker.MessageBroker) *BrokerRelay {
	return &BrokerRelay{broker: b}
}

func (r *BrokerRelay) Name() string { return RelayHandlerName }

func (r *BrokerRelay) Execute(ctx context.Context, event *schema.Event) error {
	if r.broker == nil {
		return errors.New("no message broker configured")
	}
	return r.broker.Publish(ctx, event)
}
