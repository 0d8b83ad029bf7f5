// Package processor drives claimed events through their handlers.
//
// A batch claims pending events, runs every async handler of each event in
// priority order and writes the outcome back. Failed events are never
// retried in-process: a retryable failure returns the event to pending with
// a not_before gate and a later batch picks it up again.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ayuuum/amber-eventbus/pkg/registry"
	"github.com/ayuuum/amber-eventbus/pkg/retry"
	"github.com/ayuuum/amber-eventbus/pkg/telemetry"
	"github.com/ayuuum/amber-eventbus/schema"
)

// DefaultLease matches the store's default reclaim lease.
const DefaultLease = 5 * time.Minute

// ErrClaimedElsewhere is returned by ProcessByID when the event exists but
// another worker holds it, or it is not pending.
var ErrClaimedElsewhere = errors.New("event is being processed by another worker")

// Store is the part of the event store the processor needs.
type Store interface {
	ClaimBatch(ctx context.Context, queue schema.Queue, limit int) ([]schema.Event, error)
	ClaimByID(ctx context.Context, eventID string) (*schema.Event, error)
	UpdateStatus(ctx context.Context, eventID string, update schema.Update) error
}

// Resolver returns the handlers the processor runs for an event type.
type Resolver interface {
	Async(eventType string) []registry.Descriptor
}

// Outcome is the result of one processing attempt.
type Outcome struct {
	EventID    string
	Status     schema.Status
	Queue      schema.Queue
	RetryCount int
	ErrorType  string
	// Handler names the handler that failed, if any.
	Handler string
	// Err is the handler error; nil when every handler succeeded.
	Err error
	// StoreErr is set when the outcome could not be written back. The event
	// then stays in processing until its lease expires.
	StoreErr error
}

// Succeeded reports whether the event completed and was recorded as such.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.StoreErr == nil && o.Status == schema.StatusCompleted
}

// BatchResult tallies the outcomes of one RunBatch call.
type BatchResult struct {
	Claimed      int `json:"claimed"`
	Completed    int `json:"completed"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	StoreErrors  int `json:"store_errors"`
	ClaimsLost   int `json:"claims_lost"`
}

// Option configures an EventProcessor.
type Option func(*EventProcessor)

// WithClassifier replaces retry.Classify.
func WithClassifier(c retry.Classifier) Option { return func(p *EventProcessor) { p.classify = c } }

// WithMetrics records processing outcomes and handler latency on m.
func WithMetrics(m telemetry.Metrics) Option { return func(p *EventProcessor) { p.metrics = m } }

// WithConcurrency bounds how many events of a batch run at once.
func WithConcurrency(n int) Option {
	return func(p *EventProcessor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLease bounds how long the handlers of one event may run. It should
// match the store's lease so a reclaimed event is never still executing.
func WithLease(d time.Duration) Option {
	return func(p *EventProcessor) {
		if d > 0 {
			p.lease = d
		}
	}
}

// WithClock sets the time source for not_before and processed_at.
func WithClock(now func() time.Time) Option { return func(p *EventProcessor) { p.now = now } }

// EventProcessor processes claimed events.
type EventProcessor struct {
	store       Store
	registry    Resolver
	classify    retry.Classifier
	metrics     telemetry.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	concurrency int
	lease       time.Duration
	now         func() time.Time
}

// NewEventProcessor creates a new instance of EventProcessor.
func NewEventProcessor(store Store, reg Resolver, logger *slog.Logger, opts ...Option) *EventProcessor {
	p := &EventProcessor{
		store:       store,
		registry:    reg,
		classify:    retry.Classify,
		metrics:     telemetry.NoopMetrics{},
		logger:      logger,
		tracer:      otel.Tracer("amber-eventbus"),
		concurrency: 1,
		lease:       DefaultLease,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunBatch claims up to limit main-queue events and processes them. Events
// run concurrently up to the configured bound; handlers of one event run in
// order. Only a failed claim is returned as an error.
//
// Cancelling ctx does not abort a batch: claimed events are always run and
// written back.
func (p *EventProcessor) RunBatch(ctx context.Context, limit int) (BatchResult, error) {
	ctx = context.WithoutCancel(ctx)
	var result BatchResult
	if limit <= 0 {
		return result, nil
	}

	events, err := p.store.ClaimBatch(ctx, schema.QueueMain, limit)
	if err != nil {
		return result, fmt.Errorf("claim batch: %w", err)
	}
	result.Claimed = len(events)
	if len(events) == 0 {
		return result, nil
	}

	outcomes := make([]Outcome, len(events))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i := range events {
		g.Go(func() error {
			outcomes[i] = p.ProcessEvent(ctx, &events[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch {
		case errors.Is(o.StoreErr, schema.ErrClaimLost):
			result.ClaimsLost++
		case o.StoreErr != nil:
			result.StoreErrors++
		case o.Status == schema.StatusCompleted:
			result.Completed++
		case o.Queue == schema.QueueDLQ:
			result.DeadLettered++
		default:
			result.Retried++
		}
	}

	p.logger.InfoContext(ctx, "batch processed",
		"claimed", result.Claimed,
		"completed", result.Completed,
		"retried", result.Retried,
		"dead_lettered", result.DeadLettered,
		"store_errors", result.StoreErrors,
		"claims_lost", result.ClaimsLost,
	)
	return result, nil
}

// ProcessByID claims one pending main-queue event and processes it
// synchronously. Like RunBatch it ignores cancellation of ctx.
func (p *EventProcessor) ProcessByID(ctx context.Context, eventID string) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	event, err := p.store.ClaimByID(ctx, eventID)
	if err != nil {
		return Outcome{EventID: eventID}, err
	}
	if event == nil {
		return Outcome{EventID: eventID}, ErrClaimedElsewhere
	}
	return p.ProcessEvent(ctx, event), nil
}

// ProcessEvent runs the async handlers of an event the caller has claimed
// and records the outcome. The handlers share a deadline of one lease; the
// write-back only lands if the caller's claim is still current.
func (p *EventProcessor) ProcessEvent(ctx context.Context, event *schema.Event) Outcome {
	ctx = context.WithoutCancel(ctx)
	// The publisher's trace is linked, not continued: processing may happen
	// long after the request that published the event has ended.
	publishCtx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(event.Headers))

	ctx, span := p.tracer.Start(ctx, "ProcessEvent",
		trace.WithLinks(trace.LinkFromContext(publishCtx)),
		trace.WithAttributes(
			attribute.String("event.id", event.ID),
			attribute.String("event.type", event.EventType),
			attribute.String("event.entity_id", event.EntityID),
			attribute.Int("event.retry_count", event.RetryCount),
			attribute.Int("event.max_retries", event.MaxRetries),
			attribute.String("event.created_at", event.CreatedAt.String()),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, p.lease)
	defer cancel()
	for _, d := range p.registry.Async(event.EventType) {
		if err := p.execute(runCtx, event, d); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return p.fail(ctx, event, d, err)
		}
	}
	return p.complete(ctx, event)
}

// execute runs one handler, converting a panic into an error, and reports
// latency and SLA breaches. A handler still running when ctx expires is
// abandoned and reported as ctx.Err().
func (p *EventProcessor) execute(ctx context.Context, event *schema.Event, d registry.Descriptor) (err error) {
	ctx, span := p.tracer.Start(ctx, "handler."+d.Name)
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		p.metrics.HandlerExecuted(ctx, event.EventType, d.Name, elapsed, err)
		if d.SLA.Breached(elapsed) {
			p.metrics.SLABreached(ctx, event.EventType, d.Name, elapsed)
			p.logger.WarnContext(ctx, "handler exceeded SLA alert threshold",
				"event_id", event.ID,
				"event_type", event.EventType,
				"handler", d.Name,
				"elapsed", elapsed,
				"alert_threshold", d.SLA.AlertThreshold,
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &retry.PanicError{Value: r}
			}
		}()
		done <- d.Handler.Execute(ctx, event)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler %s: lease expired: %w", d.Name, ctx.Err())
	}
}

func (p *EventProcessor) complete(ctx context.Context, event *schema.Event) Outcome {
	now := p.now()
	outcome := Outcome{
		EventID:    event.ID,
		Status:     schema.StatusCompleted,
		Queue:      schema.QueueMain,
		RetryCount: event.RetryCount,
	}
	err := p.store.UpdateStatus(ctx, event.ID, schema.Update{
		ClaimedAt:   event.ClaimedAt,
		Status:      schema.StatusCompleted,
		ClearError:  true,
		ProcessedAt: &now,
	})
	if err != nil {
		return p.storeFailed(ctx, event, outcome, err)
	}

	p.metrics.EventProcessed(ctx, event.EventType, telemetry.OutcomeCompleted, "")
	p.logger.DebugContext(ctx, "event completed", "event_id", event.ID, "event_type", event.EventType)
	return outcome
}

// fail classifies a handler error and decides between requeue and DLQ.
// The handler's retry override replaces the event's ceiling; the
// classifier's ceiling applies only when the event carries none.
func (p *EventProcessor) fail(ctx context.Context, event *schema.Event, d registry.Descriptor, handlerErr error) Outcome {
	decision := p.classify(handlerErr).WithOverride(d.Retry)
	retryCount := event.RetryCount + 1
	message := d.Name + ": " + decision.Reason

	ceiling := event.MaxRetries
	if d.Retry != nil && d.Retry.MaxRetries > 0 {
		ceiling = d.Retry.MaxRetries
	}
	if ceiling <= 0 {
		ceiling = decision.MaxRetries
	}

	outcome := Outcome{
		EventID:    event.ID,
		Status:     schema.StatusFailed,
		Queue:      schema.QueueDLQ,
		RetryCount: retryCount,
		ErrorType:  decision.ErrorType,
		Handler:    d.Name,
		Err:        handlerErr,
	}
	update := schema.Update{
		ClaimedAt:    event.ClaimedAt,
		Status:       schema.StatusFailed,
		Queue:        schema.QueueDLQ,
		RetryCount:   &retryCount,
		ErrorMessage: &message,
	}
	metricOutcome := telemetry.OutcomeDeadLettered

	switch {
	case !decision.Retryable:
	case retryCount >= ceiling:
		outcome.ErrorType = retry.TypeMaxRetriesExceeded
		message = fmt.Sprintf("%s (after %d attempts, last error %s)", message, retryCount, decision.ErrorType)
	default:
		notBefore := p.now().Add(decision.Delay(retryCount))
		outcome.Status = schema.StatusPending
		outcome.Queue = schema.QueueMain
		update.Status = schema.StatusPending
		update.Queue = schema.QueueMain
		update.NotBefore = &notBefore
		metricOutcome = telemetry.OutcomeRetried
	}
	update.ErrorType = &outcome.ErrorType

	if err := p.store.UpdateStatus(ctx, event.ID, update); err != nil {
		return p.storeFailed(ctx, event, outcome, err)
	}

	p.metrics.EventProcessed(ctx, event.EventType, metricOutcome, outcome.ErrorType)
	log := p.logger.With(
		"event_id", event.ID,
		"event_type", event.EventType,
		"handler", d.Name,
		"retry_count", retryCount,
		"max_retries", ceiling,
		"error_type", outcome.ErrorType,
		"error", handlerErr,
	)
	if outcome.Queue == schema.QueueDLQ {
		log.ErrorContext(ctx, "event moved to dead-letter queue")
	} else {
		log.WarnContext(ctx, "event requeued for retry", "not_before", update.NotBefore)
	}
	return outcome
}

// storeFailed leaves the event as it is; the lease brings it back. A lost
// claim means another worker owns the event now and its result stands.
func (p *EventProcessor) storeFailed(ctx context.Context, event *schema.Event, outcome Outcome, err error) Outcome {
	outcome.StoreErr = err
	if errors.Is(err, schema.ErrClaimLost) {
		p.logger.WarnContext(ctx, "discarding outcome of reclaimed event",
			"event_id", event.ID,
			"intended_status", outcome.Status,
		)
		return outcome
	}
	p.metrics.EventProcessed(ctx, event.EventType, telemetry.OutcomeStoreError, "")
	p.logger.ErrorContext(ctx, "failed to record event outcome",
		"event_id", event.ID,
		"intended_status", outcome.Status,
		"error", err,
	)
	return outcome
}
