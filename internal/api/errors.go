package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/edgeflow/meshgate/internal/rules"
)

// writeAPIError renders a rules.APIError in the {error:{type,address,
// description}} wire shape, picking an HTTP status
// from its error code.
func writeAPIError(c *fiber.Ctx, err error) error {
	apiErr, ok := err.(*rules.APIError)
	if !ok {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fiber.Map{"type": 0, "address": c.Path(), "description": err.Error()},
		})
	}

	status := fiber.StatusBadRequest
	switch apiErr.Type {
	case rules.ErrResourceNotAvailable:
		status = fiber.StatusNotFound
	case rules.ErrRuleEngineFull:
		status = fiber.StatusForbidden
	}

	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"type":        int(apiErr.Type),
			"address":     apiErr.Address,
			"description": apiErr.Description,
		},
	})
}
