// Package api exposes the operator endpoints of the event bus: the
// dead-letter queue, queue statistics, the publish entry point and the
// batch trigger an external scheduler calls.
package api

import (
	"context"
	"log/slog"

	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"

	"github.com/ayuuum/amber-eventbus/pkg/dlq"
	"github.com/ayuuum/amber-eventbus/pkg/processor"
	"github.com/ayuuum/amber-eventbus/pkg/publisher"
	"github.com/ayuuum/amber-eventbus/schema"
)

type Publisher interface {
	Publish(ctx context.Context, req publisher.Request) (string, bool)
}

type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (processor.BatchResult, error)
}

type DeadLetters interface {
	List(ctx context.Context, limit, offset int) (dlq.ListResult, error)
	Retry(ctx context.Context, eventID string) dlq.Result
	Delete(ctx context.Context, eventID string) dlq.Result
}

type StatusCounter interface {
	CountByStatus(ctx context.Context, queue schema.Queue) (schema.StatusCounts, error)
}

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// Deps are the components the routes delegate to.
type Deps struct {
	Publisher   Publisher
	Processor   BatchRunner
	DeadLetters DeadLetters
	Stats       StatusCounter
	// BatchSize is the limit /process uses when the caller gives none.
	BatchSize int
}

type routes struct {
	deps   Deps
	logger *slog.Logger
	checks []ReadyCheck
}

// NewRouter registers the admin routes on app. Everything except the
// liveness and readiness endpoints is traced.
func NewRouter(app *fiber.App, deps Deps, logger *slog.Logger, checks ...ReadyCheck) {
	r := &routes{deps: deps, logger: logger, checks: checks}

	app.Use(otelfiber.Middleware(otelfiber.WithNext(func(c *fiber.Ctx) bool {
		return c.Path() == "/healthz" || c.Path() == "/readyz"
	})))

	app.Get("/healthz", r.healthz)
	app.Get("/readyz", r.readyz)

	dlqGroup := app.Group("/dlq")
	{
		dlqGroup.Get("/", r.listDLQ)
		dlqGroup.Post("/:id/retry", r.retryDLQ)
		dlqGroup.Delete("/:id", r.deleteDLQ)
	}

	eventsGroup := app.Group("/events")
	{
		eventsGroup.Post("/", r.publish)
		eventsGroup.Get("/stats", r.stats)
	}

	app.Post("/process", r.process)
}
