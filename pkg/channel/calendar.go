package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ayuuum/amber-eventbus/pkg/retry"
	"github.com/ayuuum/amber-eventbus/schema"
)

const CalendarHandlerName = "calendar_sync"

// CalendarSync mirrors bookings into an external calendar. The calendar
// entry is addressed by the booking id: a PUT upserts it and a cancellation
// deletes it, so replaying an event converges on the same state.
type CalendarSync struct {
	client webhookClient
}

// NewCalendarSync makes one attempt per execution by default. The calendar
// API is slow, so retries are left to the queue and the handler's override.
func NewCalendarSync(url, token string, timeout time.Duration, opts ...Option) *CalendarSync {
	opts = append([]Option{WithRetryPolicy(retry.Policy{MaxAttempts: 1})}, opts...)
	return &CalendarSync{client: newWebhookClient(url, token, timeout, opts)}
}

func (c *CalendarSync) Name() string { return CalendarHandlerName }

func (c *CalendarSync) Execute(ctx context.Context, event *schema.Event) error {
	if err := c.client.configured("calendar api"); err != nil {
		return err
	}
	if event.EntityID == "" {
		return &retry.ValidationError{Field: "entity_id", Message: "required for calendar sync"}
	}
	fields, err := decodePayload(event)
	if err != nil {
		return err
	}

	target := c.client.url + "/entries/" + url.PathEscape(event.EntityID)
	key := idempotencyKey(event, CalendarHandlerName)

	if strings.HasSuffix(event.EventType, ".cancelled") {
		err := c.client.send(ctx, http.MethodDelete, target, nil, key)
		var httpErr *retry.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil // already gone
		}
		return err
	}

	fields["source_event_id"] = event.ID
	fields["entity_type"] = event.EntityType
	return c.client.send(ctx, http.MethodPut, target, fields, key)
}
