package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ayuuum/amber-eventbus/schema"
	"github.com/ayuuum/amber-eventbus/schema/ddl"
)

const eventColumns = `id, event_type, entity_type, entity_id, payload, headers, status, queue_name, retry_count, max_retries, error_type, error_message, not_before, claimed_at, created_at, updated_at, processed_at`

const pgUniqueViolation = "23505"

type txKey struct{}

type PostgresRepository struct {
	db   *sql.DB // using database/sql
	opts repoOptions
}

func NewPostgresRepository(db *sql.DB, opts ...Option) *PostgresRepository {
	return &PostgresRepository{db: db, opts: newRepoOptions(opts)}
}

// Migrate creates the events table and its indexes if they do not exist.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, ddl.Postgres); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Insert(ctx context.Context, event *schema.Event) (string, error) {
	headers, err := encodeHeaders(event.Headers)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	_, err = p.withTransaction(ctx, "Insert", func(ctx context.Context, tx *sql.Tx) ([]schema.Event, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			event.ID, event.EventType, event.EntityType, event.EntityID,
			string(payloadOrEmpty(event.Payload)), string(headers),
			string(event.Status), string(event.Queue), event.RetryCount, event.MaxRetries,
			stringOrNil(event.ErrorType), stringOrNil(event.ErrorMessage),
			timeOrNil(event.NotBefore), timeOrNil(event.ClaimedAt), event.CreatedAt, event.UpdatedAt, timeOrNil(event.ProcessedAt))
		return nil, err
	})
	if err != nil {
		return "", translatePgError(err)
	}
	return event.ID, nil
}

func (p *PostgresRepository) FindInFlight(ctx context.Context, eventType, entityID string) (*schema.Event, error) {
	ctx, span := p.startSpan(ctx, "FindInFlight")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
         WHERE event_type=$1 AND entity_id=$2 AND status IN ('pending', 'processing')
         LIMIT 1`, eventType, entityID)
	event, err := scanPgEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return event, nil
}

func (p *PostgresRepository) ClaimBatch(ctx context.Context, queue schema.Queue, limit int) ([]schema.Event, error) {
	now := p.opts.now()
	return p.withTransaction(ctx, "ClaimBatch", func(ctx context.Context, tx *sql.Tx) ([]schema.Event, error) {
		rows, err := tx.QueryContext(ctx,
			`UPDATE events SET status='processing', claimed_at=$2, updated_at=$2
             WHERE id IN (
                 SELECT id FROM events
                 WHERE queue_name=$1
                   AND ((status='pending' AND (not_before IS NULL OR not_before <= $2))
                        OR (status='processing' AND claimed_at < $3))
                 ORDER BY created_at
                 FOR UPDATE SKIP LOCKED
                 LIMIT $4)
             RETURNING `+eventColumns,
			string(queue), now, now.Add(-p.opts.lease), limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var events []schema.Event
		for rows.Next() {
			event, err := scanPgEvent(rows)
			if err != nil {
				return nil, err
			}
			events = append(events, *event)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		// RETURNING does not preserve the subquery order
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		})
		return events, nil
	})
}

func (p *PostgresRepository) ClaimByID(ctx context.Context, eventID string) (*schema.Event, error) {
	var claimed *schema.Event
	_, err := p.withTransaction(ctx, "ClaimByID", func(ctx context.Context, tx *sql.Tx) ([]schema.Event, error) {
		row := tx.QueryRowContext(ctx,
			`UPDATE events SET status='processing', claimed_at=$2, updated_at=$2
             WHERE id=$1 AND queue_name='main' AND status='pending'
             RETURNING `+eventColumns, eventID, p.opts.now())
		event, err := scanPgEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, p.ensureExists(ctx, tx, eventID)
		}
		if err != nil {
			return nil, err
		}
		claimed = event
		return []schema.Event{*event}, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *PostgresRepository) UpdateStatus(ctx context.Context, eventID string, update schema.Update) error {
	sets, args := buildUpdate(update, p.opts.now(), pgPlaceholder, pgTime)
	where, args := buildWhere(update, eventID, args, pgPlaceholder, pgTime)
	query := fmt.Sprintf(`UPDATE events SET %s WHERE %s`, strings.Join(sets, ", "), where)

	_, err := p.withTransaction(ctx, "UpdateStatus", func(ctx context.Context, tx *sql.Tx) ([]schema.Event, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 && update.ClaimedAt != nil {
			if err := p.ensureExists(ctx, tx, eventID); err != nil {
				return nil, err
			}
			return nil, schema.ErrClaimLost
		}
		if n == 0 {
			return nil, schema.ErrNotFound
		}
		return nil, nil
	})
	return translatePgError(err)
}

func (p *PostgresRepository) CountByStatus(ctx context.Context, queue schema.Queue) (schema.StatusCounts, error) {
	ctx, span := p.startSpan(ctx, "CountByStatus")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM events WHERE queue_name=$1 GROUP BY status`, string(queue))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	counts := schema.StatusCounts{}
	for rows.Next() {
		var status schema.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (p *PostgresRepository) Get(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := p.startSpan(ctx, "Get")
	defer span.End()

	row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1`, eventID)
	event, err := scanPgEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return event, nil
}

func (p *PostgresRepository) ListByQueue(ctx context.Context, queue schema.Queue, limit, offset int) ([]schema.Event, int, error) {
	ctx, span := p.startSpan(ctx, "ListByQueue")
	defer span.End()

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE queue_name=$1`, string(queue)).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, 0, err
	}

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE queue_name=$1
         ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, string(queue), limitArg, offset)
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}
	defer rows.Close()

	events := []schema.Event{}
	for rows.Next() {
		event, err := scanPgEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (p *PostgresRepository) CountByErrorType(ctx context.Context, queue schema.Queue) (map[string]int, error) {
	ctx, span := p.startSpan(ctx, "CountByErrorType")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT COALESCE(error_type, 'unknown'), COUNT(*) FROM events
         WHERE queue_name=$1 GROUP BY 1`, string(queue))
	if err != nil {
		span.RecordError(err)
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

func (p *PostgresRepository) ResetForRetry(ctx context.Context, eventID string) (*schema.Event, error) {
	var reset *schema.Event
	_, err := p.withTransaction(ctx, "ResetForRetry", func(ctx context.Context, tx *sql.Tx) ([]schema.Event, error) {
		row := tx.QueryRowContext(ctx,
			`UPDATE events SET queue_name='main', status='pending', retry_count=0,
                 error_type=NULL, error_message=NULL, not_before=NULL, claimed_at=NULL,
                 processed_at=NULL, updated_at=$2
             WHERE id=$1 AND queue_name='dlq'
             RETURNING `+eventColumns, eventID, p.opts.now())
		event, err := scanPgEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, p.locateOutsideDLQ(ctx, tx, eventID)
		}
		if err != nil {
			return nil, err
		}
		reset = event
		return []schema.Event{*event}, nil
	})
	if err != nil {
		return nil, translatePgError(err)
	}
	return reset, nil
}

func (p *PostgresRepository) Delete(ctx context.Context, eventID string) error {
	_, err := p.withTransaction(ctx, "Delete", func(ctx context.Context, tx *sql.Tx) ([]schema.Event, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=$1 AND queue_name='dlq'`, eventID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, p.locateOutsideDLQ(ctx, tx, eventID)
		}
		return nil, nil
	})
	return err
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// ensureExists returns schema.ErrNotFound when no row has the id.
func (p *PostgresRepository) ensureExists(ctx context.Context, tx *sql.Tx, eventID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id=$1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.ErrNotFound
	}
	return err
}

// locateOutsideDLQ explains why a DLQ-only write matched no row.
func (p *PostgresRepository) locateOutsideDLQ(ctx context.Context, tx *sql.Tx, eventID string) error {
	if err := p.ensureExists(ctx, tx, eventID); err != nil {
		return err
	}
	return schema.ErrNotInDLQ
}

func (p *PostgresRepository) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "postgres."+name)
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) ([]schema.Event, error)) (events []schema.Event, err error) {
	ctx, span := p.startSpan(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			if err = tx.Commit(); err != nil {
				span.RecordError(err)
				events = nil
			}
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	events, err = fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(events), time.Since(start))

	return events, nil
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func pgTime(t time.Time) any { return t }

func translatePgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return schema.ErrDuplicateInFlight
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgEvent(row rowScanner) (*schema.Event, error) {
	var (
		event                             schema.Event
		payload, headers                  []byte
		errorType, errorMessage           sql.NullString
		notBefore, claimedAt, processedAt sql.NullTime
	)
	err := row.Scan(&event.ID, &event.EventType, &event.EntityType, &event.EntityID,
		&payload, &headers, &event.Status, &event.Queue, &event.RetryCount, &event.MaxRetries,
		&errorType, &errorMessage, &notBefore, &claimedAt, &event.CreatedAt, &event.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	event.Payload = payload
	if event.Headers, err = decodeHeaders(headers); err != nil {
		return nil, fmt.Errorf("decode headers of event %s: %w", event.ID, err)
	}
	event.ErrorType = nullString(errorType)
	event.ErrorMessage = nullString(errorMessage)
	event.NotBefore = nullTime(notBefore)
	event.ClaimedAt = nullTime(claimedAt)
	event.ProcessedAt = nullTime(processedAt)
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	return &event, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
