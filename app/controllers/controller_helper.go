package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/procmon/procmon/internal/pkg/quota"
)

var validate = validator.New()

func jsonError(c *fiber.Ctx, status int, reason, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": reason, "message": message})
}

func internalError(c *fiber.Ctx, message string) error {
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", message)
}

// quotaError renders a 429 with the breached allowance.
func quotaError(c *fiber.Ctx, qe *quota.ExceededError, upgradeURL string) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":       "quota_exceeded",
		"message":     "Monthly " + string(qe.Limit) + " quota exceeded",
		"limit":       qe.Limit,
		"used":        qe.Used,
		"max":         qe.Max,
		"upgrade_url": upgradeURL,
	})
}

// validationMessage turns validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
