// Package publisher records new events in the event store.
//
// Publish never fails the caller: a business transaction that has already
// committed must not be rolled back because its notification could not be
// queued. Failures are logged and counted instead.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ayuuum/amber-eventbus/pkg/telemetry"
	"github.com/ayuuum/amber-eventbus/schema"
)

const tracerName = "amber-eventbus"

// Request is one business fact to publish.
type Request struct {
	EventType  string            `json:"event_type" validate:"required"`
	EntityType string            `json:"entity_type" validate:"required"`
	EntityID   string            `json:"entity_id" validate:"required"`
	Payload    any               `json:"payload"`
	MaxRetries int               `json:"max_retries" validate:"gte=0"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Store is the part of the event store the publisher writes to.
type Store interface {
	Insert(ctx context.Context, event *schema.Event) (string, error)
	FindInFlight(ctx context.Context, eventType, entityID string) (*schema.Event, error)
}

// Ceilings supplies the default retry ceiling per event type.
type Ceilings interface {
	MaxRetries(eventType string) int
}

// Recorder is notified of every newly stored event.
type Recorder interface {
	Execute(ctx context.Context, event *schema.Event) error
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithGuard serializes concurrent publishes for the same entity through g.
func WithGuard(g Guard) Option { return func(p *Publisher) { p.guard = g } }

// WithMetrics records publish outcomes on m.
func WithMetrics(m telemetry.Metrics) Option { return func(p *Publisher) { p.metrics = m } }

// WithCeilings supplies max_retries for requests that carry none.
func WithCeilings(c Ceilings) Option { return func(p *Publisher) { p.ceilings = c } }

// WithRecorder registers the audit hook run after each successful insert.
func WithRecorder(r Recorder) Option { return func(p *Publisher) { p.recorder = r } }

type Publisher struct {
	store    Store
	logger   *slog.Logger
	validate *validator.Validate
	guard    Guard
	ceilings Ceilings
	recorder Recorder
	metrics  telemetry.Metrics

	// guardWait is how long a publisher that lost the guard waits for the
	// winner's event to appear before inserting anyway.
	guardWait time.Duration
}

func New(store Store, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		store:     store,
		logger:    logger,
		validate:  validator.New(),
		metrics:   telemetry.NoopMetrics{},
		guardWait: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish stores the event and returns its id. If an event with the same
// type and entity is still pending or processing, that event's id is
// returned instead. ok is false when the event could not be stored.
func (p *Publisher) Publish(ctx context.Context, req Request) (id string, ok bool) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publisher.Publish",
		trace.WithAttributes(
			attribute.String("event.type", req.EventType),
			attribute.String("event.entity_id", req.EntityID),
		),
	)
	defer span.End()

	log := p.logger.With("event_type", req.EventType, "entity_type", req.EntityType, "entity_id", req.EntityID)

	if err := p.validate.Struct(req); err != nil {
		log.WarnContext(ctx, "rejected invalid publish request", "error", err)
		return p.fail(ctx, span, req, err)
	}
	var payload []byte
	var err error
	if req.Payload != nil {
		if payload, err = json.Marshal(req.Payload); err != nil {
			log.WarnContext(ctx, "payload is not JSON-encodable", "error", err)
			return p.fail(ctx, span, req, err)
		}
	}

	if existing, err := p.store.FindInFlight(ctx, req.EventType, req.EntityID); err != nil {
		log.ErrorContext(ctx, "failed to look up in-flight event", "error", err)
		return p.fail(ctx, span, req, err)
	} else if existing != nil {
		return p.deduplicated(ctx, span, existing)
	}

	if p.guard != nil {
		release, acquired, err := p.guard.Acquire(ctx, req.EventType+":"+req.EntityID)
		switch {
		case err != nil:
			log.WarnContext(ctx, "publish guard unavailable, continuing without it", "error", err)
		case acquired:
			defer release(context.WithoutCancel(ctx))
		default:
			if winner := p.awaitWinner(ctx, req); winner != nil {
				return p.deduplicated(ctx, span, winner)
			}
		}
	}

	event := schema.NewEvent(req.EventType, req.EntityType, req.EntityID, payload, p.maxRetries(req))
	for k, v := range req.Headers {
		event.Headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(event.Headers))

	id, err = p.store.Insert(ctx, event)
	if errors.Is(err, schema.ErrDuplicateInFlight) {
		winner, findErr := p.store.FindInFlight(ctx, req.EventType, req.EntityID)
		if findErr == nil && winner != nil {
			return p.deduplicated(ctx, span, winner)
		}
		if findErr != nil {
			err = findErr
		}
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to publish event", "error", err)
		return p.fail(ctx, span, req, err)
	}

	span.SetAttributes(attribute.String("event.id", id))
	p.metrics.EventPublished(ctx, req.EventType, false)
	log.InfoContext(ctx, "event published", "event_id", id, "max_retries", event.MaxRetries)

	if p.recorder != nil {
		if err := p.recorder.Execute(ctx, event); err != nil {
			log.WarnContext(ctx, "event recorder failed", "event_id", id, "error", err)
		}
	}
	return id, true
}

func (p *Publisher) maxRetries(req Request) int {
	if req.MaxRetries > 0 {
		return req.MaxRetries
	}
	if p.ceilings != nil {
		return p.ceilings.MaxRetries(req.EventType)
	}
	return schema.DefaultMaxRetries
}

// awaitWinner polls for the event of the publisher holding the guard.
func (p *Publisher) awaitWinner(ctx context.Context, req Request) *schema.Event {
	deadline := time.Now().Add(p.guardWait)
	for {
		winner, err := p.store.FindInFlight(ctx, req.EventType, req.EntityID)
		if err == nil && winner != nil {
			return winner
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *Publisher) deduplicated(ctx context.Context, span trace.Span, existing *schema.Event) (string, bool) {
	span.SetAttributes(
		attribute.String("event.id", existing.ID),
		attribute.Bool("event.deduplicated", true),
	)
	p.metrics.EventPublished(ctx, existing.EventType, true)
	p.logger.DebugContext(ctx, "returning in-flight event", "event_id", existing.ID, "event_type", existing.EventType)
	return existing.ID, true
}

func (p *Publisher) fail(ctx context.Context, span trace.Span, req Request, err error) (string, bool) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.metrics.PublishFailed(ctx, req.EventType)
	return "", false
}
