package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ayuuum/amber-eventbus/schema"
)

const ChatHandlerName = "chat_notify"

var chatTemplates = map[string]string{
	"booking.created":        "New booking %s",
	"booking.cancelled":      "Booking %s was cancelled",
	"booking.status_changed": "Booking %s changed status",
	"payment.completed":      "Payment received for %s",
}

type chatMessage struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Text       string          `json:"text"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ChatNotifier pushes a short message for each event to a chat webhook.
type ChatNotifier struct {
	client webhookClient
}

func NewChatNotifier(url, token string, timeout time.Duration, opts ...Option) *ChatNotifier {
	return &ChatNotifier{client: newWebhookClient(url, token, timeout, opts)}
}

func (c *ChatNotifier) Name() string { return ChatHandlerName }

func (c *ChatNotifier) Execute(ctx context.Context, event *schema.Event) error {
	if err := c.client.configured("chat webhook"); err != nil {
		return err
	}
	if _, err := decodePayload(event); err != nil {
		return err
	}
	msg := chatMessage{
		EventID:    event.ID,
		EventType:  event.EventType,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Text:       chatText(event),
		Data:       event.Payload,
	}
	return c.client.send(ctx, http.MethodPost, c.client.url, msg, idempotencyKey(event, ChatHandlerName))
}

func chatText(event *schema.Event) string {
	if tmpl, ok := chatTemplates[event.EventType]; ok {
		return fmt.Sprintf(tmpl, event.EntityID)
	}
	return fmt.Sprintf("%s: %s %s", event.EventType, event.EntityType, event.EntityID)
}
