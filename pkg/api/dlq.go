package api

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ayuuum/amber-eventbus/pkg/dlq"
	"github.com/ayuuum/amber-eventbus/pkg/processor"
	"github.com/ayuuum/amber-eventbus/schema"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (r *routes) listDLQ(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", defaultPageLimit)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error())
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, err.Error())
	}
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	page, err := r.deps.DeadLetters.List(c.UserContext(), limit, offset)
	if err != nil {
		return r.internalError(c, "list dead letters", err)
	}
	return c.Status(http.StatusOK).JSON(page)
}

func (r *routes) retryDLQ(c *fiber.Ctx) error {
	return resultResponse(c, r.deps.DeadLetters.Retry(c.UserContext(), c.Params("id")))
}

func (r *routes) deleteDLQ(c *fiber.Ctx) error {
	return resultResponse(c, r.deps.DeadLetters.Delete(c.UserContext(), c.Params("id")))
}

// resultResponse maps a DLQ action result to a status code.
func resultResponse(c *fiber.Ctx, result dlq.Result) error {
	status := http.StatusOK
	if !result.Success {
		status = resultStatus(result.Err())
	}
	return c.Status(status).JSON(result)
}

func resultStatus(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrNotInDLQ),
		errors.Is(err, schema.ErrDuplicateInFlight),
		errors.Is(err, schema.ErrClaimLost),
		errors.Is(err, processor.ErrClaimedElsewhere):
		return http.StatusConflict
	case errors.Is(err, dlq.ErrStillFailing):
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
