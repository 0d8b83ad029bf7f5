package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayuuum/amber-eventbus/pkg/config"
	"github.com/ayuuum/amber-eventbus/schema"
)

func noop(name string) Handler {
	return HandlerFunc(name, func(context.Context, *schema.Event) error { return nil })
}

func bookingSettings() config.Settings {
	return config.Settings{
		DefaultMaxRetries: 3,
		EventTypes: []config.EventTypeSettings{
			{
				Type:       "booking.created",
				MaxRetries: 5,
				Handlers: []config.HandlerSettings{
					{Name: "calendar_sync", Mode: "async", Priority: 2,
						SLA:   config.SLASettings{TargetCompletion: 5 * time.Second, AlertThreshold: 10 * time.Second},
						Retry: &config.RetryOverrideSettings{MaxRetries: 6, Backoff: 30 * time.Second, BackoffMultiplier: 3}},
					{Name: "audit_log", Mode: "sync", Priority: 0},
					{Name: "chat_notify", Mode: "async", Priority: 1,
						SLA: config.SLASettings{TargetCompletion: time.Second, AlertThreshold: 2 * time.Second}},
				},
			},
			{
				Type: "booking.cancelled",
				Handlers: []config.HandlerSettings{
					{Name: "chat_notify", Priority: 1},
				},
			},
		},
	}
}

func TestNew_ResolvesInPriorityOrder(t *testing.T) {
	r, err := New(bookingSettings(), noop("chat_notify"), noop("calendar_sync"))
	require.NoError(t, err)

	descriptors := r.Resolve("booking.created")
	require.Len(t, descriptors, 3)
	assert.Equal(t, "audit_log", descriptors[0].Name)
	assert.Equal(t, ModeSync, descriptors[0].Mode)
	assert.Nil(t, descriptors[0].Handler)
	assert.Equal(t, "chat_notify", descriptors[1].Name)
	assert.Equal(t, "calendar_sync", descriptors[2].Name)

	calendar := descriptors[2]
	require.NotNil(t, calendar.Retry)
	assert.Equal(t, 6, calendar.Retry.MaxRetries)
	assert.Equal(t, 30*time.Second, calendar.Retry.Backoff)
	assert.Equal(t, 3.0, calendar.Retry.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, calendar.SLA.AlertThreshold)
}

func TestAsync_FiltersSyncHandlers(t *testing.T) {
	r, err := New(bookingSettings(), noop("chat_notify"), noop("calendar_sync"))
	require.NoError(t, err)

	async := r.Async("booking.created")
	require.Len(t, async, 2)
	assert.Equal(t, "chat_notify", async[0].Name)
	assert.Equal(t, "calendar_sync", async[1].Name)
	assert.Equal(t, "chat_notify", async[0].Handler.Name())
}

func TestMode_DefaultsToAsync(t *testing.T) {
	r, err := New(bookingSettings(), noop("chat_notify"), noop("calendar_sync"))
	require.NoError(t, err)

	async := r.Async("booking.cancelled")
	require.Len(t, async, 1)
	assert.Equal(t, ModeAsync, async[0].Mode)
}

func TestResolve_UnknownEventType(t *testing.T) {
	r, err := New(bookingSettings(), noop("chat_notify"), noop("calendar_sync"))
	require.NoError(t, err)

	assert.NotNil(t, r.Resolve("payment.completed"))
	assert.Empty(t, r.Resolve("payment.completed"))
	assert.Empty(t, r.Async("payment.completed"))
}

func TestResolve_ReturnsCopy(t *testing.T) {
	r, err := New(bookingSettings(), noop("chat_notify"), noop("calendar_sync"))
	require.NoError(t, err)

	first := r.Resolve("booking.created")
	first[0].Name = "mutated"

	assert.Equal(t, "audit_log", r.Resolve("booking.created")[0].Name)
}

func TestMaxRetries(t *testing.T) {
	r, err := New(bookingSettings(), noop("chat_notify"), noop("calendar_sync"))
	require.NoError(t, err)

	assert.Equal(t, 5, r.MaxRetries("booking.created"))
	assert.Equal(t, 3, r.MaxRetries("booking.cancelled"))
	assert.Equal(t, 3, r.MaxRetries("payment.completed"))

	r, err = New(config.Settings{})
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultMaxRetries, r.MaxRetries("anything"))
}

func TestNew_UnknownAsyncHandler(t *testing.T) {
	_, err := New(bookingSettings(), noop("chat_notify"))
	assert.EqualError(t, err, `event type "booking.created": no handler named "calendar_sync"`)
}

func TestNew_DuplicateHandler(t *testing.T) {
	_, err := New(bookingSettings(), noop("chat_notify"), noop("chat_notify"))
	assert.EqualError(t, err, `handler "chat_notify" registered twice`)
}

func TestEventTypes(t *testing.T) {
	r, err := New(bookingSettings(), noop("chat_notify"), noop("calendar_sync"))
	require.NoError(t, err)

	assert.Equal(t, []string{"booking.cancelled", "booking.created"}, r.EventTypes())
}

func TestSLA_Breached(t *testing.T) {
	sla := SLA{TargetCompletion: time.Second, AlertThreshold: 2 * time.Second}

	assert.False(t, sla.Breached(1500*time.Millisecond))
	assert.False(t, sla.Breached(2*time.Second))
	assert.True(t, sla.Breached(2*time.Second+time.Millisecond))
	assert.False(t, SLA{}.Breached(time.Hour))
}
