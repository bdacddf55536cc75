package controllers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// parseUserIDParam reads the :id route parameter as a user id. On a bad value
// it writes the 400 response itself and reports ok=false.
func parseUserIDParam(c *fiber.Ctx) (uint, bool) {
	raw := c.Params("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid user id",
		})
		return 0, false
	}
	return uint(id), true
}

// parseEventIDParam reads the :id route parameter as a billing event id.
func parseEventIDParam(c *fiber.Ctx) (uint, bool) {
	raw := c.Params("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid event id",
		})
		return 0, false
	}
	return uint(id), true
}
