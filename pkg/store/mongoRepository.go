package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ayuuum/amber-eventbus/schema"
)

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
	opts       repoOptions
}

func NewMongoRepository(client *mongo.Client, database, collection string, opts ...Option) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
		opts:       newRepoOptions(opts),
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

// EnsureIndexes creates the event id key, the in-flight key and the claim index.
// The in-flight key is a partial index and needs MongoDB 6.0 or later.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("events_id"),
		},
		{
			Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "entity_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("events_in_flight_key").
				SetPartialFilterExpression(bson.M{"status": bson.M{"$in": bson.A{
					string(schema.StatusPending), string(schema.StatusProcessing),
				}}}),
		},
		{
			Keys: bson.D{{Key: "queue_name", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("events_claim_idx"),
		},
	})
	return err
}

func (m *MongoRepository) Insert(ctx context.Context, event *schema.Event) (string, error) {
	ctx, span := m.startSpan(ctx, "Insert")
	defer span.End()

	doc := *event
	doc.Payload = payloadOrEmpty(event.Payload)
	if _, err := m.coll().InsertOne(ctx, doc); err != nil {
		span.RecordError(err)
		return "", translateMongoError(err)
	}
	return event.ID, nil
}

func (m *MongoRepository) FindInFlight(ctx context.Context, eventType, entityID string) (*schema.Event, error) {
	ctx, span := m.startSpan(ctx, "FindInFlight")
	defer span.End()

	var event schema.Event
	err := m.coll().FindOne(ctx, bson.M{
		"event_type": eventType,
		"entity_id":  entityID,
		"status":     bson.M{"$in": bson.A{string(schema.StatusPending), string(schema.StatusProcessing)}},
	}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ClaimBatch claims documents one at a time with FindOneAndUpdate, which is
// atomic per document; concurrent callers each win disjoint documents.
func (m *MongoRepository) ClaimBatch(ctx context.Context, queue schema.Queue, limit int) ([]schema.Event, error) {
	ctx, span := m.startSpan(ctx, "ClaimBatch")
	defer span.End()

	startTime := time.Now()
	now := m.opts.now()
	filter := bson.M{
		"queue_name": string(queue),
		"$or": bson.A{
			bson.M{
				"status": string(schema.StatusPending),
				"$or": bson.A{
					bson.M{"not_before": nil},
					bson.M{"not_before": bson.M{"$lte": now}},
				},
			},
			bson.M{
				"status":     string(schema.StatusProcessing),
				"claimed_at": bson.M{"$lt": now.Add(-m.opts.lease)},
			},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":     string(schema.StatusProcessing),
		"claimed_at": now,
		"updated_at": now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var events []schema.Event
	for len(events) < limit {
		var event schema.Event
		err := m.coll().FindOneAndUpdate(ctx, filter, update, opts).Decode(&event)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, event)
	}

	addDBStatsToSpan(span, "mongodb", "ClaimBatch", len(events), time.Since(startTime))

	return events, nil
}

func (m *MongoRepository) ClaimByID(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := m.startSpan(ctx, "ClaimByID")
	defer span.End()

	now := m.opts.now()
	var event schema.Event
	err := m.coll().FindOneAndUpdate(ctx,
		bson.M{"id": eventID, "queue_name": string(schema.QueueMain), "status": string(schema.StatusPending)},
		bson.M{"$set": bson.M{"status": string(schema.StatusProcessing), "claimed_at": now, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := m.Get(ctx, eventID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (m *MongoRepository) UpdateStatus(ctx context.Context, eventID string, update schema.Update) error {
	ctx, span := m.startSpan(ctx, "UpdateStatus")
	defer span.End()

	filter := bson.M{"id": eventID}
	if update.ClaimedAt != nil {
		filter["status"] = string(schema.StatusProcessing)
		filter["claimed_at"] = *update.ClaimedAt
	}
	res, err := m.coll().UpdateOne(ctx, filter, mongoUpdate(update, m.opts.now()))
	if err != nil {
		span.RecordError(err)
		return translateMongoError(err)
	}
	if res.MatchedCount == 0 && update.ClaimedAt != nil {
		if _, err := m.Get(ctx, eventID); err != nil {
			return err
		}
		return schema.ErrClaimLost
	}
	if res.MatchedCount == 0 {
		return schema.ErrNotFound
	}
	return nil
}

func (m *MongoRepository) CountByStatus(ctx context.Context, queue schema.Queue) (schema.StatusCounts, error) {
	ctx, span := m.startSpan(ctx, "CountByStatus")
	defer span.End()

	counts := schema.StatusCounts{}
	err := m.groupCount(ctx, queue, "$status", func(key string, n int) { counts[schema.Status(key)] = n })
	return counts, err
}

func (m *MongoRepository) Get(ctx context.Context, eventID string) (*schema.Event, error) {
	var event schema.Event
	err := m.coll().FindOne(ctx, bson.M{"id": eventID}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, schema.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (m *MongoRepository) ListByQueue(ctx context.Context, queue schema.Queue, limit, offset int) ([]schema.Event, int, error) {
	ctx, span := m.startSpan(ctx, "ListByQueue")
	defer span.End()

	filter := bson.M{"queue_name": string(queue)}
	total, err := m.coll().CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "id", Value: -1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	events := []schema.Event{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, 0, err
	}
	return events, int(total), nil
}

func (m *MongoRepository) CountByErrorType(ctx context.Context, queue schema.Queue) (map[string]int, error) {
	ctx, span := m.startSpan(ctx, "CountByErrorType")
	defer span.End()

	counts := map[string]int{}
	err := m.groupCount(ctx, queue, bson.M{"$ifNull": bson.A{"$error_type", unknownErrorType}},
		func(key string, n int) { counts[key] += n })
	return counts, err
}

func (m *MongoRepository) ResetForRetry(ctx context.Context, eventID string) (*schema.Event, error) {
	ctx, span := m.startSpan(ctx, "ResetForRetry")
	defer span.End()

	var event schema.Event
	err := m.coll().FindOneAndUpdate(ctx,
		bson.M{"id": eventID, "queue_name": string(schema.QueueDLQ)},
		bson.M{
			"$set": bson.M{
				"queue_name":  string(schema.QueueMain),
				"status":      string(schema.StatusPending),
				"retry_count": 0,
				"updated_at":  m.opts.now(),
			},
			"$unset": bson.M{
				"error_type":    "",
				"error_message": "",
				"not_before":    "",
				"claimed_at":    "",
				"processed_at":  "",
			},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, m.locateOutsideDLQ(ctx, eventID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, translateMongoError(err)
	}
	return &event, nil
}

func (m *MongoRepository) Delete(ctx context.Context, eventID string) error {
	ctx, span := m.startSpan(ctx, "Delete")
	defer span.End()

	res, err := m.coll().DeleteOne(ctx, bson.M{"id": eventID, "queue_name": string(schema.QueueDLQ)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return m.locateOutsideDLQ(ctx, eventID)
	}
	return nil
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoRepository) locateOutsideDLQ(ctx context.Context, eventID string) error {
	if _, err := m.Get(ctx, eventID); err != nil {
		return err
	}
	return schema.ErrNotInDLQ
}

func (m *MongoRepository) groupCount(ctx context.Context, queue schema.Queue, key interface{}, add func(key string, n int)) error {
	cursor, err := m.coll().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"queue_name": string(queue)}}},
		{{Key: "$group", Value: bson.M{"_id": key, "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var group struct {
			Key   string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cursor.Decode(&group); err != nil {
			return err
		}
		add(group.Key, group.Count)
	}
	return cursor.Err()
}

func (m *MongoRepository) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "mongo."+name)
}

// mongoUpdate renders an Update as $set/$unset the way applyUpdate mutates an event.
func mongoUpdate(u schema.Update, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	unset := bson.M{}

	if u.Status != "" {
		set["status"] = string(u.Status)
		if u.Status != schema.StatusProcessing {
			unset["claimed_at"] = ""
		}
	}
	if u.Queue != "" {
		set["queue_name"] = string(u.Queue)
	}
	if u.RetryCount != nil {
		set["retry_count"] = *u.RetryCount
	}
	if u.ClearError {
		unset["error_type"] = ""
		unset["error_message"] = ""
	} else {
		if u.ErrorType != nil {
			set["error_type"] = *u.ErrorType
		}
		if u.ErrorMessage != nil {
			set["error_message"] = *u.ErrorMessage
		}
	}
	if u.NotBefore != nil {
		set["not_before"] = *u.NotBefore
	}
	if u.ProcessedAt != nil {
		set["processed_at"] = *u.ProcessedAt
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func translateMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return schema.ErrDuplicateInFlight
	}
	return err
}
