package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ayuuum/amber-eventbus/schema"
	"github.com/ayuuum/amber-eventbus/schema/ddl"
)

// SQLiteRepository persists events to an embedded SQLite database.
// Timestamps are stored as unix nanoseconds. It is suitable for
// single-process deployments and for exercising the real SQL paths in tests.
type SQLiteRepository struct {
	db   *sql.DB
	opts repoOptions
}

// NewSQLiteRepository opens path (a file or ":memory:") and applies the schema.
func NewSQLiteRepository(ctx context.Context, path string, opts ...Option) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// one connection serialises every write; claims rely on it
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, ddl.SQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRepository{db: db, opts: newRepoOptions(opts)}, nil
}

func (s *SQLiteRepository) Insert(ctx context.Context, event *schema.Event) (string, error) {
	ctx, span := s.startSpan(ctx, "Insert")
	defer span.End()

	headers, err := encodeHeaders(event.Headers)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.EventType, event.EntityType, event.EntityID,
		[]byte(payloadOrEmpty(event.Payload)), string(headers),
		string(event.Status), string(event.Queue), event.RetryCount, event.MaxRetries,
		stringOrNil(event.ErrorType), stringOrNil(event.ErrorMessage),
		nanosOrNil(event.NotBefore), nanosOrNil(event.ClaimedAt),
		event.CreatedAt.UnixNano(), event.UpdatedAt.UnixNano(), nanosOrNil(event.ProcessedAt))
	if err != nil {
		span.RecordError(err)
		return "", translateSQLiteError(err)
	}
	return event.ID, nil
}

func (s *SQLiteRepository) FindInFlight(ctx context.Context, eventType, entityID string) (*schema.Event, error) {
	ctx, span := s.startSpan(ctx, "FindInFlight")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
         WHERE event_type=? AND entity_id=? AND status IN ('pending', 'processing')
         LIMIT 1`, eventType, entityID)
	event, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return event, err
}

func (s *SQLiteRepository) ClaimBatch(ctx context.Context, queue schema.Queue, limit int) ([]schema.Event, error) {
	ctx, span := s.startSpan(ctx, "ClaimBatch")
	defer span.End()
	start := time.Now()

	now := s.opts.now()
	query := `UPDATE events SET status='processing', claimed_at=?1, updated_at=?1
         WHERE id IN (
             SELECT id FROM events
             WHERE queue_name=?2
               AND ((status='pending' AND (not_before IS NULL OR not_before <= ?1))
                    OR (status='processing' AND claimed_at < ?3))
             ORDER BY created_at
             LIMIT ?4)
         RETURNING ` + eventColumns
	rows, err := s.db.QueryContext(ctx, query,
		now.UnixNano(), string(queue), now.Add(-s.opts.lease).UnixNano(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	events, err := collectSQLiteEvents(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	addDBStatsToSpan(span, "sqlite", "ClaimBatch", len(events), time.Since(start))
	return events, nil
}

func (s *SQLiteRepository) ClaimByID(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := s.startSpan(ctx, "ClaimByID")
	defer span.End()

	now := s.opts.now().UnixNano()
	row := s.db.QueryRowContext(ctx,
		`UPDATE events SET status='processing', claimed_at=?, updated_at=?
         WHERE id=? AND queue_name='main' AND status='pending'
         RETURNING `+eventColumns, now, now, eventID)
	event, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.Get(ctx, eventID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return event, nil
}

func (s *SQLiteRepository) UpdateStatus(ctx context.Context, eventID string, update schema.Update) error {
	ctx, span := s.startSpan(ctx, "UpdateStatus")
	defer span.End()

	placeholder := func(int) string { return "?" }
	encodeTime := func(t time.Time) any { return t.UnixNano() }
	sets, args := buildUpdate(update, s.opts.now(), placeholder, encodeTime)
	where, args := buildWhere(update, eventID, args, placeholder, encodeTime)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE events SET %s WHERE %s`, strings.Join(sets, ", "), where), args...)
	if err != nil {
		span.RecordError(err)
		return translateSQLiteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 && update.ClaimedAt != nil {
		if _, err := s.Get(ctx, eventID); err != nil {
			return err
		}
		return schema.ErrClaimLost
	}
	if n == 0 {
		return schema.ErrNotFound
	}
	return nil
}

func (s *SQLiteRepository) CountByStatus(ctx context.Context, queue schema.Queue) (schema.StatusCounts, error) {
	ctx, span := s.startSpan(ctx, "CountByStatus")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM events WHERE queue_name=? GROUP BY status`, string(queue))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := schema.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[schema.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteRepository) Get(ctx context.Context, eventID string) (*schema.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, eventID)
	event, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.ErrNotFound
	}
	return event, err
}

func (s *SQLiteRepository) ListByQueue(ctx context.Context, queue schema.Queue, limit, offset int) ([]schema.Event, int, error) {
	ctx, span := s.startSpan(ctx, "ListByQueue")
	defer span.End()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE queue_name=?`, string(queue)).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE queue_name=?
         ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, string(queue), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	events, err := collectSQLiteEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	if events == nil {
		events = []schema.Event{}
	}
	return events, total, nil
}

func (s *SQLiteRepository) CountByErrorType(ctx context.Context, queue schema.Queue) (map[string]int, error) {
	ctx, span := s.startSpan(ctx, "CountByErrorType")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(error_type, 'unknown'), COUNT(*) FROM events
         WHERE queue_name=? GROUP BY 1`, string(queue))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var errorType string
		var n int
		if err := rows.Scan(&errorType, &n); err != nil {
			return nil, err
		}
		counts[errorType] += n
	}
	return counts, rows.Err()
}

func (s *SQLiteRepository) ResetForRetry(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := s.startSpan(ctx, "ResetForRetry")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`UPDATE events SET queue_name='main', status='pending', retry_count=0,
             error_type=NULL, error_message=NULL, not_before=NULL, claimed_at=NULL,
             processed_at=NULL, updated_at=?
         WHERE id=? AND queue_name='dlq'
         RETURNING `+eventColumns, s.opts.now().UnixNano(), eventID)
	event, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.locateOutsideDLQ(ctx, eventID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, translateSQLiteError(err)
	}
	return event, nil
}

func (s *SQLiteRepository) Delete(ctx context.Context, eventID string) error {
	ctx, span := s.startSpan(ctx, "Delete")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id=? AND queue_name='dlq'`, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.locateOutsideDLQ(ctx, eventID)
	}
	return nil
}

func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

func (s *SQLiteRepository) locateOutsideDLQ(ctx context.Context, eventID string) error {
	if _, err := s.Get(ctx, eventID); err != nil {
		return err
	}
	return schema.ErrNotInDLQ
}

func (s *SQLiteRepository) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sqlite."+name)
}

func translateSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return schema.ErrDuplicateInFlight
	}
	return err
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func collectSQLiteEvents(rows *sql.Rows) ([]schema.Event, error) {
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		event, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func scanSQLiteEvent(row rowScanner) (*schema.Event, error) {
	var (
		event                             schema.Event
		status, queue                     string
		payload                           []byte
		headers                           string
		errorType, errorMessage           sql.NullString
		notBefore, claimedAt, processedAt sql.NullInt64
		createdAt, updatedAt              int64
	)
	err := row.Scan(&event.ID, &event.EventType, &event.EntityType, &event.EntityID,
		&payload, &headers, &status, &queue, &event.RetryCount, &event.MaxRetries,
		&errorType, &errorMessage, &notBefore, &claimedAt, &createdAt, &updatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	event.Status = schema.Status(status)
	event.Queue = schema.Queue(queue)
	event.Payload = payload
	if event.Headers, err = decodeHeaders([]byte(headers)); err != nil {
		return nil, fmt.Errorf("decode headers of event %s: %w", event.ID, err)
	}
	event.ErrorType = nullString(errorType)
	event.ErrorMessage = nullString(errorMessage)
	event.NotBefore = fromNanos(notBefore)
	event.ClaimedAt = fromNanos(claimedAt)
	event.ProcessedAt = fromNanos(processedAt)
	event.CreatedAt = time.Unix(0, createdAt).UTC()
	event.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &event, nil
}
