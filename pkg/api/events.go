package api

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ayuuum/amber-eventbus/pkg/publisher"
	"github.com/ayuuum/amber-eventbus/schema"
)

type statsResponse struct {
	Main schema.StatusCounts `json:"main"`
	DLQ  schema.StatusCounts `json:"dlq"`
}

func (r *routes) stats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	mainCounts, err := r.deps.Stats.CountByStatus(ctx, schema.QueueMain)
	if err != nil {
		return r.internalError(c, "count main queue", err)
	}
	dead, err := r.deps.Stats.CountByStatus(ctx, schema.QueueDLQ)
	if err != nil {
		return r.internalError(c, "count dead-letter queue", err)
	}
	return c.Status(http.StatusOK).JSON(statsResponse{Main: mainCounts, DLQ: dead})
}

func (r *routes) publish(c *fiber.Ctx) error {
	var req publisher.Request
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid request body")
	}

	id, ok := r.deps.Publisher.Publish(c.UserContext(), req)
	if !ok {
		// The publisher has already logged the cause.
		return errorResponse(c, http.StatusServiceUnavailable, "event not recorded")
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"id": id})
}

// process runs one batch synchronously. The batch is not tied to the
// request: a client that disconnects does not abort claimed events.
func (r *routes) process(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", r.deps.BatchSize)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error())
	}
	if limit <= 0 {
		return errorResponse(c, http.StatusBadRequest, "limit must be positive")
	}

	result, err := r.deps.Processor.RunBatch(c.UserContext(), limit)
	if err != nil {
		return r.internalError(c, "run batch", err)
	}
	return c.Status(http.StatusOK).JSON(result)
}
