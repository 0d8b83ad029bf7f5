package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const readyTimeout = 2 * time.Second

func (r *routes) healthz(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
}

func (r *routes) readyz(c *fiber.Ctx) error {
	var failures []string
	for _, check := range r.checks {
		if check.Check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
		err := check.Check(ctx)
		cancel()
		if err != nil {
			name := check.Name
			if name == "" {
				name = "dependency"
			}
			failures = append(failures, name+": "+err.Error())
		}
	}
	if len(failures) > 0 {
		return errorResponse(c, http.StatusServiceUnavailable, strings.Join(failures, "; "))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ready"})
}
