package store

import (
	"context"

	"github.com/ayuuum/amber-eventbus/schema"
)

// EventRepository defines the storage operations for events.
//
// ClaimBatch and ClaimByID are the only operations that move an event from
// pending to processing; each implementation performs them as one
// conditional write so two callers can never claim the same event.
type EventRepository interface {
	// Insert stores a new event. It returns schema.ErrDuplicateInFlight when an
	// event with the same type and entity id is already pending or processing.
	Insert(ctx context.Context, event *schema.Event) (string, error)
	// FindInFlight returns the pending or processing event for the pair, or nil.
	FindInFlight(ctx context.Context, eventType, entityID string) (*schema.Event, error)
	// ClaimBatch claims up to limit claimable events of a queue in created_at
	// order and flips them to processing. Pending events whose not_before is
	// in the future are skipped; processing events whose lease expired are reclaimed.
	ClaimBatch(ctx context.Context, queue schema.Queue, limit int) ([]schema.Event, error)
	// ClaimByID claims a single pending main-queue event. It returns
	// (nil, nil) when the event exists but is not claimable.
	ClaimByID(ctx context.Context, eventID string) (*schema.Event, error)
	// UpdateStatus writes processing results back to the event.
	UpdateStatus(ctx context.Context, eventID string, update schema.Update) error
	// CountByStatus counts the events of a queue per status.
	CountByStatus(ctx context.Context, queue schema.Queue) (schema.StatusCounts, error)
	// Get returns the event with the given id or schema.ErrNotFound.
	Get(ctx context.Context, eventID string) (*schema.Event, error)
	// ListByQueue returns one page of a queue, newest first, and the queue's total size.
	ListByQueue(ctx context.Context, queue schema.Queue, limit, offset int) ([]schema.Event, int, error)
	// CountByErrorType counts the events of a queue per recorded error type.
	CountByErrorType(ctx context.Context, queue schema.Queue) (map[string]int, error)
	// ResetForRetry moves a dead-lettered event back to main/pending with a
	// zero retry count. It returns schema.ErrNotInDLQ for events outside the DLQ.
	ResetForRetry(ctx context.Context, eventID string) (*schema.Event, error)
	// Delete permanently removes a dead-lettered event. It returns
	// schema.ErrNotInDLQ for events outside the DLQ.
	Delete(ctx context.Context, eventID string) error
	// Close releases the underlying connection.
	Close() error
}
