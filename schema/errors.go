package schema

import "errors"

var (
	// ErrNotFound is returned when no event matches the given id.
	ErrNotFound = errors.New("event not found")

	// ErrDuplicateInFlight is returned by an insert that would create a
	// second pending or processing event for the same event type and entity.
	ErrDuplicateInFlight = errors.New("event already in flight for entity")

	// ErrNotInDLQ is returned when a dead-letter operation targets an event
	// that is not in the dead-letter queue.
	ErrNotInDLQ = errors.New("event is not in the dead-letter queue")

	// ErrClaimLost is returned by a fenced update when the event was
	// reclaimed or finished by another worker after the caller claimed it.
	ErrClaimLost = errors.New("event claim lost to another worker")
)
