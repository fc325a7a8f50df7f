package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/usercontext"
)

// APIKeyAuthMiddleware authenticates requests carrying a user API key header.
func APIKeyAuthMiddleware(users repository.UserRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		user, ok, err := authenticateAPIKey(c, users, apiKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		usercontext.Set(c, user, usercontext.AuthMethodAPIKey)
		return c.Next()
	}
}

// authenticateAPIKey resolves apiKey to its user. When ok is false the response was already written.
func authenticateAPIKey(c *fiber.Ctx, users repository.UserRepository, apiKey string) (*models.User, bool, error) {
	ctx := c.UserContext()
	user, err := users.GetByAPIKeyHash(ctx, models.HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		log.Errorf("[Auth] API key lookup failed: %v", err)
		return nil, false, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "API key verification failed"})
	}

	// Refresh last-used timestamp best-effort.
	if err := users.TouchAPIKeyUsage(ctx, user.ID, time.Now()); err != nil {
		log.Warnf("[Auth] Failed to update api key usage timestamp for user %d: %v", user.ID, err)
	}
	return user, true, nil
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
