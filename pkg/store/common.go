package store

import (
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ayuuum/amber-eventbus/schema"
)

const tracerName = "amber-eventbus"

// lockExpiration is the default claim lease; processing events claimed
// longer ago than this are considered abandoned by a crashed worker.
const lockExpiration = 5 * time.Minute

const unknownErrorType = "unknown"

type repoOptions struct {
	lease time.Duration
	now   func() time.Time
}

// Option configures a repository.
type Option func(*repoOptions)

// WithLeaseTimeout sets how long a claim is honoured before the event can be reclaimed.
func WithLeaseTimeout(d time.Duration) Option {
	return func(o *repoOptions) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithClock replaces the time source used for claims and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *repoOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func newRepoOptions(opts []Option) repoOptions {
	o := repoOptions{
		lease: lockExpiration,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func addDBStatsToSpan(span trace.Span, system, statement string, eventsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("eventsCount", eventsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

func encodeHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	return json.Marshal(headers)
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	headers := map[string]string{}
	if len(raw) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("{}")
	}
	return p
}

// holdsClaim reports whether a fenced update may still be applied to e.
func holdsClaim(e *schema.Event, u schema.Update) bool {
	if u.ClaimedAt == nil {
		return true
	}
	return e.Status == schema.StatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Equal(*u.ClaimedAt)
}

// applyUpdate mutates e in place the way every backend's UpdateStatus does.
func applyUpdate(e *schema.Event, u schema.Update, now time.Time) {
	if u.Status != "" {
		e.Status = u.Status
		if u.Status != schema.StatusProcessing {
			e.ClaimedAt = nil
		}
	}
	if u.Queue != "" {
		e.Queue = u.Queue
	}
	if u.RetryCount != nil {
		e.RetryCount = *u.RetryCount
	}
	if u.ClearError {
		e.ErrorType = nil
		e.ErrorMessage = nil
	} else {
		if u.ErrorType != nil {
			e.ErrorType = u.ErrorType
		}
		if u.ErrorMessage != nil {
			e.ErrorMessage = u.ErrorMessage
		}
	}
	if u.NotBefore != nil {
		e.NotBefore = u.NotBefore
	}
	if u.ProcessedAt != nil {
		e.ProcessedAt = u.ProcessedAt
	}
	e.UpdatedAt = now
}

// resetForRetry mutates e the way ResetForRetry does.
func resetForRetry(e *schema.Event, now time.Time) {
	e.Queue = schema.QueueMain
	e.Status = schema.StatusPending
	e.RetryCount = 0
	e.ErrorType = nil
	e.ErrorMessage = nil
	e.NotBefore = nil
	e.ClaimedAt = nil
	e.ProcessedAt = nil
	e.UpdatedAt = now
}

// buildUpdate renders the SET clauses of an UpdateStatus statement in a
// fixed order. placeholder renders the n-th bind parameter and encodeTime
// converts timestamps to the column representation.
func buildUpdate(u schema.Update, now time.Time, placeholder func(int) string, encodeTime func(time.Time) any) ([]string, []any) {
	var sets []string
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+"="+placeholder(len(args)))
	}

	if u.Status != "" {
		set("status", string(u.Status))
		if u.Status != schema.StatusProcessing {
			sets = append(sets, "claimed_at=NULL")
		}
	}
	if u.Queue != "" {
		set("queue_name", string(u.Queue))
	}
	if u.RetryCount != nil {
		set("retry_count", *u.RetryCount)
	}
	if u.ClearError {
		sets = append(sets, "error_type=NULL", "error_message=NULL")
	} else {
		if u.ErrorType != nil {
			set("error_type", *u.ErrorType)
		}
		if u.ErrorMessage != nil {
			set("error_message", *u.ErrorMessage)
		}
	}
	if u.NotBefore != nil {
		set("not_before", encodeTime(*u.NotBefore))
	}
	if u.ProcessedAt != nil {
		set("processed_at", encodeTime(*u.ProcessedAt))
	}
	set("updated_at", encodeTime(now))
	return sets, args
}

// buildWhere renders the WHERE clause of an UpdateStatus statement,
// appending its bind parameters after the SET arguments.
func buildWhere(u schema.Update, eventID string, args []any, placeholder func(int) string, encodeTime func(time.Time) any) (string, []any) {
	args = append(args, eventID)
	where := "id=" + placeholder(len(args))
	if u.ClaimedAt != nil {
		args = append(args, encodeTime(*u.ClaimedAt))
		where += " AND status='processing' AND claimed_at=" + placeholder(len(args))
	}
	return where, args
}
