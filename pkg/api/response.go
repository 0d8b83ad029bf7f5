package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

type errorBody struct {
	Error string `json:"error"`
}

func errorResponse(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(errorBody{Error: msg})
}

func (r *routes) internalError(c *fiber.Ctx, op string, err error) error {
	r.logger.ErrorContext(c.UserContext(), "admin request failed", "op", op, "path", c.Path(), "error", err)
	return errorResponse(c, http.StatusInternalServerError, "internal error")
}

func queryInt(c *fiber.Ctx, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
