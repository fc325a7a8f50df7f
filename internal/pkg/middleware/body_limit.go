package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// BodyLimit rejects requests whose body exceeds limit bytes with a 413.
// The app-wide fiber BodyLimit stays the hard cap; this narrows it per route.
func BodyLimit(limit int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > limit {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error":   "payload_too_large",
				"message": fmt.Sprintf("Request body exceeds %d bytes", limit),
			})
		}
		return c.Next()
	}
}
