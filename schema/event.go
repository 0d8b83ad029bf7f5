package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the processing status of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Queue names the queue an event currently lives in.
type Queue string

const (
	QueueMain Queue = "main"
	QueueDLQ  Queue = "dlq"
)

// DefaultMaxRetries is the retry ceiling applied when neither the caller nor
// the event type configuration sets one.
const DefaultMaxRetries = 3

// Event represents a business fact and its delivery state.
type Event struct {
	ID           string            `json:"id" bson:"id"`
	EventType    string            `json:"event_type" bson:"event_type"`
	EntityType   string            `json:"entity_type" bson:"entity_type"`
	EntityID     string            `json:"entity_id" bson:"entity_id"`
	Payload      json.RawMessage   `json:"payload" bson:"payload"`
	Headers      map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Status       Status            `json:"status" bson:"status"`
	Queue        Queue             `json:"queue_name" bson:"queue_name"`
	RetryCount   int               `json:"retry_count" bson:"retry_count"`
	MaxRetries   int               `json:"max_retries" bson:"max_retries"`
	ErrorType    *string           `json:"error_type" bson:"error_type,omitempty"`
	ErrorMessage *string           `json:"error_message" bson:"error_message,omitempty"`
	NotBefore    *time.Time        `json:"not_before,omitempty" bson:"not_before,omitempty"`
	ClaimedAt    *time.Time        `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" bson:"updated_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
}

// NewEvent creates a pending main-queue Event with a fresh id.
func NewEvent(eventType, entityType, entityID string, payload []byte, maxRetries int) *Event {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := time.Now().UTC()
	return &Event{
		ID:         uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Headers:    map[string]string{},
		Status:     StatusPending,
		Queue:      QueueMain,
		RetryCount: 0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// InFlight reports whether the event still holds its idempotency key.
func (e *Event) InFlight() bool {
	return e.Status == StatusPending || e.Status == StatusProcessing
}

// Update is the set of mutable fields written back by the processor.
// Nil pointers leave the stored value untouched, except ErrorType and
// ErrorMessage which are cleared when ClearError is set.
//
// A non-nil ClaimedAt fences the write: it lands only while the event is
// still processing under that exact claim, and ErrClaimLost is returned
// otherwise.
type Update struct {
	ClaimedAt    *time.Time
	Status       Status
	Queue        Queue
	RetryCount   *int
	ErrorType    *string
	ErrorMessage *string
	ClearError   bool
	NotBefore    *time.Time
	ProcessedAt  *time.Time
}

// StatusCounts holds event counts per status for one queue.
type StatusCounts map[Status]int

// Total returns the sum over all statuses.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
