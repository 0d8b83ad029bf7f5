package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ayuuum/amber-eventbus/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const defaultMongoCollection = "events"

// sqlOpen and the factories below are swapped out in tests.
var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client, opts ...Option) EventRepository {
	return NewSpannerRepository(client, opts...)
}

var mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// NewRepository builds the EventRepository selected by cfg.Type. SQL
// backends get their schema applied before the repository is returned.
func NewRepository(ctx context.Context, cfg config.DbSettings, opts ...Option) (EventRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		repo := NewPostgresRepository(db, opts...)
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return repo, nil
	case "sqlite":
		return NewSQLiteRepository(ctx, cfg.DSN, opts...)
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client, opts...), nil
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		collection := cfg.Collection
		if collection == "" {
			collection = defaultMongoCollection
		}
		repo := NewMongoRepository(client, cfg.DBName, collection, opts...)
		if err := repo.EnsureIndexes(ctx); err != nil {
			client.Disconnect(ctx)
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return repo, nil
	case "memory":
		return NewMemoryRepository(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
