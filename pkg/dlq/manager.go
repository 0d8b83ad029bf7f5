// Package dlq gives operators read, retry and delete access to events that
// exhausted their retries or failed fatally.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ayuuum/amber-eventbus/pkg/processor"
	"github.com/ayuuum/amber-eventbus/schema"
)

// ErrStillFailing marks a retry whose reset succeeded but whose handlers
// failed again. The event is back under the processor's retry rules.
var ErrStillFailing = errors.New("handlers failed again")

// Store is the part of the event store the manager needs.
type Store interface {
	ListByQueue(ctx context.Context, queue schema.Queue, limit, offset int) ([]schema.Event, int, error)
	CountByErrorType(ctx context.Context, queue schema.Queue) (map[string]int, error)
	ResetForRetry(ctx context.Context, eventID string) (*schema.Event, error)
	Delete(ctx context.Context, eventID string) error
}

// Runner processes one event synchronously.
type Runner interface {
	ProcessByID(ctx context.Context, eventID string) (processor.Outcome, error)
}

// ListResult is one page of the dead-letter queue.
type ListResult struct {
	Events          []schema.Event `json:"events"`
	Total           int            `json:"total"`
	ErrorTypeCounts map[string]int `json:"error_type_counts"`
}

// Result reports an operator action.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	err error
}

// Err returns the error behind a failed Result, for errors.Is checks.
func (r Result) Err() error { return r.err }

type Manager struct {
	store  Store
	runner Runner
	logger *slog.Logger
}

func NewManager(store Store, runner Runner, logger *slog.Logger) *Manager {
	return &Manager{store: store, runner: runner, logger: logger}
}

// List returns a newest-first page of dead-lettered events together with
// the queue's size and its breakdown by error type.
func (m *Manager) List(ctx context.Context, limit, offset int) (ListResult, error) {
	if offset < 0 {
		offset = 0
	}
	events, total, err := m.store.ListByQueue(ctx, schema.QueueDLQ, limit, offset)
	if err != nil {
		return ListResult{}, err
	}
	counts, err := m.CountByErrorType(ctx)
	if err != nil {
		return ListResult{}, err
	}
	if events == nil {
		events = []schema.Event{}
	}
	return ListResult{Events: events, Total: total, ErrorTypeCounts: counts}, nil
}

func (m *Manager) CountByErrorType(ctx context.Context) (map[string]int, error) {
	return m.store.CountByErrorType(ctx, schema.QueueDLQ)
}

// Retry moves the event back to the main queue with a fresh retry budget and
// processes it immediately. Once started, a retry runs to completion even
// if ctx is cancelled.
func (m *Manager) Retry(ctx context.Context, eventID string) Result {
	ctx = context.WithoutCancel(ctx)
	log := m.logger.With("event_id", eventID)

	if _, err := m.store.ResetForRetry(ctx, eventID); err != nil {
		log.WarnContext(ctx, "dead-letter retry rejected", "error", err)
		return failure(err)
	}
	log.InfoContext(ctx, "dead-lettered event reset for retry")

	outcome, err := m.runner.ProcessByID(ctx, eventID)
	switch {
	case err != nil:
		// The event stays pending in the main queue for the next batch.
		log.WarnContext(ctx, "immediate retry did not run", "error", err)
		return failure(err)
	case outcome.StoreErr != nil:
		return failure(outcome.StoreErr)
	case outcome.Err != nil:
		return Result{
			Error: outcome.Err.Error(),
			err:   fmt.Errorf("%w: %w", ErrStillFailing, outcome.Err),
		}
	}
	return Result{Success: true}
}

// Delete removes a dead-lettered event for good. Events outside the DLQ are
// never deleted.
func (m *Manager) Delete(ctx context.Context, eventID string) Result {
	if err := m.store.Delete(ctx, eventID); err != nil {
		m.logger.WarnContext(ctx, "dead-letter delete rejected", "event_id", eventID, "error", err)
		return failure(err)
	}
	m.logger.InfoContext(ctx, "dead-lettered event deleted", "event_id", eventID)
	return Result{Success: true}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error(), err: err}
}
