package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/ayuuum/amber-eventbus/schema"
)

const spannerTable = "events"

var spannerColumns = []string{
	"id", "event_type", "entity_type", "entity_id", "payload", "headers", "status", "queue_name",
	"retry_count", "max_retries", "error_type", "error_message", "not_before", "claimed_at",
	"created_at", "updated_at", "processed_at",
}

// SpannerRepository stores events in Cloud Spanner. Spanner has no partial
// unique index, so the in-flight key is checked inside the read-write
// transaction that writes the row.
type SpannerRepository struct {
	client *spanner.Client
	opts   repoOptions
}

func NewSpannerRepository(client *spanner.Client, opts ...Option) *SpannerRepository {
	return &SpannerRepository{client: client, opts: newRepoOptions(opts)}
}

type spannerQuerier interface {
	Query(ctx context.Context, statement spanner.Statement) *spanner.RowIterator
}

func (s *SpannerRepository) Insert(ctx context.Context, event *schema.Event) (string, error) {
	ctx, span := s.startSpan(ctx, "Insert")
	defer span.End()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if event.InFlight() {
			existing, err := s.findInFlight(ctx, txn, event.EventType, event.EntityID)
			if err != nil {
				return err
			}
			if existing != nil {
				return schema.ErrDuplicateInFlight
			}
		}
		values, err := spannerValues(event)
		if err != nil {
			return err
		}
		return txn.BufferWrite([]*spanner.Mutation{spanner.Insert(spannerTable, spannerColumns, values)})
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return event.ID, nil
}

func (s *SpannerRepository) FindInFlight(ctx context.Context, eventType, entityID string) (*schema.Event, error) {
	ctx, span := s.startSpan(ctx, "FindInFlight")
	defer span.End()

	return s.findInFlight(ctx, s.client.Single(), eventType, entityID)
}

func (s *SpannerRepository) findInFlight(ctx context.Context, q spannerQuerier, eventType, entityID string) (*schema.Event, error) {
	events, err := collectSpannerEvents(q.Query(ctx, spanner.Statement{
		SQL: `SELECT ` + eventColumns + ` FROM events
              WHERE event_type = @eventType AND entity_id = @entityID
                AND status IN ('pending', 'processing')
              LIMIT 1`,
		Params: map[string]interface{}{
			"eventType": eventType,
			"entityID":  entityID,
		},
	}))
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (s *SpannerRepository) ClaimBatch(ctx context.Context, queue schema.Queue, limit int) ([]schema.Event, error) {
	ctx, span := s.startSpan(ctx, "ClaimBatch")
	defer span.End()
	startTime := time.Now()

	now := s.opts.now()
	var claimed []schema.Event
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		events, err := collectSpannerEvents(txn.Query(ctx, spanner.Statement{
			SQL: `SELECT ` + eventColumns + ` FROM events
                  WHERE queue_name = @queue
                    AND ((status = @statusPending AND (not_before IS NULL OR not_before <= @now))
                         OR (status = @statusProcessing AND claimed_at < @lockExpiration))
                  ORDER BY created_at
                  LIMIT @batchSize`,
			Params: map[string]interface{}{
				"queue":            string(queue),
				"statusPending":    string(schema.StatusPending),
				"statusProcessing": string(schema.StatusProcessing),
				"now":              now,
				"lockExpiration":   now.Add(-s.opts.lease),
				"batchSize":        int64(limit),
			},
		}))
		if err != nil {
			return err
		}

		mutations := make([]*spanner.Mutation, 0, len(events))
		for i := range events {
			markClaimed(&events[i], now)
			mutations = append(mutations, spanner.Update(spannerTable,
				[]string{"id", "status", "claimed_at", "updated_at"},
				[]interface{}{events[i].ID, string(schema.StatusProcessing), now, now}))
		}
		// the transaction may be retried; only keep the committed attempt
		claimed = events
		return txn.BufferWrite(mutations)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	addDBStatsToSpan(span, "spanner", "ClaimBatch", len(claimed), time.Since(startTime))
	return claimed, nil
}

func (s *SpannerRepository) ClaimByID(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := s.startSpan(ctx, "ClaimByID")
	defer span.End()

	var claimed *schema.Event
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		claimed = nil
		event, err := s.readEvent(ctx, txn, eventID)
		if err != nil {
			return err
		}
		if event.Queue != schema.QueueMain || event.Status != schema.StatusPending {
			return nil
		}
		now := s.opts.now()
		markClaimed(event, now)
		claimed = event
		return txn.BufferWrite([]*spanner.Mutation{spanner.Update(spannerTable,
			[]string{"id", "status", "claimed_at", "updated_at"},
			[]interface{}{eventID, string(schema.StatusProcessing), now, now})})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SpannerRepository) UpdateStatus(ctx context.Context, eventID string, update schema.Update) error {
	ctx, span := s.startSpan(ctx, "UpdateStatus")
	defer span.End()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		event, err := s.readEvent(ctx, txn, eventID)
		if err != nil {
			return err
		}
		if !holdsClaim(event, update) {
			return schema.ErrClaimLost
		}
		applyUpdate(event, update, s.opts.now())
		return s.bufferReplace(txn, event)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *SpannerRepository) CountByStatus(ctx context.Context, queue schema.Queue) (schema.StatusCounts, error) {
	ctx, span := s.startSpan(ctx, "CountByStatus")
	defer span.End()

	counts := schema.StatusCounts{}
	err := s.groupCount(ctx, spanner.Statement{
		SQL:    `SELECT status, COUNT(*) FROM events WHERE queue_name = @queue GROUP BY status`,
		Params: map[string]interface{}{"queue": string(queue)},
	}, func(key string, n int) { counts[schema.Status(key)] = n })
	return counts, err
}

func (s *SpannerRepository) Get(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := s.startSpan(ctx, "Get")
	defer span.End()

	return s.readEvent(ctx, s.client.Single(), eventID)
}

func (s *SpannerRepository) ListByQueue(ctx context.Context, queue schema.Queue, limit, offset int) ([]schema.Event, int, error) {
	ctx, span := s.startSpan(ctx, "ListByQueue")
	defer span.End()

	var total int
	err := s.groupCount(ctx, spanner.Statement{
		SQL:    `SELECT @queue, COUNT(*) FROM events WHERE queue_name = @queue`,
		Params: map[string]interface{}{"queue": string(queue)},
	}, func(_ string, n int) { total = n })
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}

	events, err := collectSpannerEvents(s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT ` + eventColumns + ` FROM events WHERE queue_name = @queue
              ORDER BY created_at DESC, id DESC LIMIT @limit OFFSET @offset`,
		Params: map[string]interface{}{
			"queue":  string(queue),
			"limit":  int64(limit),
			"offset": int64(offset),
		},
	}))
	if err != nil {
		return nil, 0, err
	}
	if events == nil {
		events = []schema.Event{}
	}
	return events, total, nil
}

func (s *SpannerRepository) CountByErrorType(ctx context.Context, queue schema.Queue) (map[string]int, error) {
	ctx, span := s.startSpan(ctx, "CountByErrorType")
	defer span.End()

	counts := map[string]int{}
	err := s.groupCount(ctx, spanner.Statement{
		SQL: `SELECT IFNULL(error_type, 'unknown') AS error_type, COUNT(*) FROM events
              WHERE queue_name = @queue GROUP BY error_type`,
		Params: map[string]interface{}{"queue": string(queue)},
	}, func(key string, n int) { counts[key] += n })
	return counts, err
}

func (s *SpannerRepository) ResetForRetry(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := s.startSpan(ctx, "ResetForRetry")
	defer span.End()

	var reset *schema.Event
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		event, err := s.readEvent(ctx, txn, eventID)
		if err != nil {
			return err
		}
		if event.Queue != schema.QueueDLQ {
			return schema.ErrNotInDLQ
		}
		existing, err := s.findInFlight(ctx, txn, event.EventType, event.EntityID)
		if err != nil {
			return err
		}
		if existing != nil {
			return schema.ErrDuplicateInFlight
		}
		resetForRetry(event, s.opts.now())
		reset = event
		return s.bufferReplace(txn, event)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return reset, nil
}

func (s *SpannerRepository) Delete(ctx context.Context, eventID string) error {
	ctx, span := s.startSpan(ctx, "Delete")
	defer span.End()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		event, err := s.readEvent(ctx, txn, eventID)
		if err != nil {
			return err
		}
		if event.Queue != schema.QueueDLQ {
			return schema.ErrNotInDLQ
		}
		return txn.BufferWrite([]*spanner.Mutation{spanner.Delete(spannerTable, spanner.Key{eventID})})
	})
	return err
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

type spannerRowReader interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
}

func (s *SpannerRepository) readEvent(ctx context.Context, r spannerRowReader, eventID string) (*schema.Event, error) {
	row, err := r.ReadRow(ctx, spannerTable, spanner.Key{eventID}, spannerColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, schema.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSpannerRow(row)
}

func (s *SpannerRepository) bufferReplace(txn *spanner.ReadWriteTransaction, event *schema.Event) error {
	values, err := spannerValues(event)
	if err != nil {
		return err
	}
	return txn.BufferWrite([]*spanner.Mutation{spanner.Update(spannerTable, spannerColumns, values)})
}

func (s *SpannerRepository) groupCount(ctx context.Context, stmt spanner.Statement, add func(key string, n int)) error {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		var key string
		var n int64
		if err := row.Columns(&key, &n); err != nil {
			return err
		}
		add(key, int(n))
	}
}

func (s *SpannerRepository) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "spanner."+name)
}

// spannerValues orders the event fields like spannerColumns.
func spannerValues(e *schema.Event) ([]interface{}, error) {
	headers, err := encodeHeaders(e.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return []interface{}{
		e.ID, e.EventType, e.EntityType, e.EntityID,
		[]byte(payloadOrEmpty(e.Payload)), string(headers),
		string(e.Status), string(e.Queue), int64(e.RetryCount), int64(e.MaxRetries),
		spannerNullString(e.ErrorType), spannerNullString(e.ErrorMessage),
		spannerNullTime(e.NotBefore), spannerNullTime(e.ClaimedAt),
		e.CreatedAt, e.UpdatedAt, spannerNullTime(e.ProcessedAt),
	}, nil
}

func collectSpannerEvents(iter *spanner.RowIterator) ([]schema.Event, error) {
	defer iter.Stop()

	var events []schema.Event
	for {
		row, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		event, err := decodeSpannerRow(row)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
}

func decodeSpannerRow(row *spanner.Row) (*schema.Event, error) {
	var (
		event                             schema.Event
		status, queue, headers            string
		payload                           []byte
		retryCount, maxRetries            int64
		errorType, errorMessage           spanner.NullString
		notBefore, claimedAt, processedAt spanner.NullTime
	)
	if err := row.Columns(&event.ID, &event.EventType, &event.EntityType, &event.EntityID,
		&payload, &headers, &status, &queue, &retryCount, &maxRetries,
		&errorType, &errorMessage, &notBefore, &claimedAt,
		&event.CreatedAt, &event.UpdatedAt, &processedAt); err != nil {
		return nil, err
	}
	var err error
	if event.Headers, err = decodeHeaders([]byte(headers)); err != nil {
		return nil, fmt.Errorf("decode headers of event %s: %w", event.ID, err)
	}
	event.Payload = payload
	event.Status = schema.Status(status)
	event.Queue = schema.Queue(queue)
	event.RetryCount = int(retryCount)
	event.MaxRetries = int(maxRetries)
	if errorType.Valid {
		event.ErrorType = &errorType.StringVal
	}
	if errorMessage.Valid {
		event.ErrorMessage = &errorMessage.StringVal
	}
	event.NotBefore = fromSpannerTime(notBefore)
	event.ClaimedAt = fromSpannerTime(claimedAt)
	event.ProcessedAt = fromSpannerTime(processedAt)
	return &event, nil
}

func spannerNullString(s *string) spanner.NullString {
	if s == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: *s, Valid: true}
}

func spannerNullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}

func fromSpannerTime(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
