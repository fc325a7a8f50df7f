package middleware

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/usercontext"
)

const (
	HeaderDashboardToken = "X-Dashboard-Token"
	HeaderExternalUserID = "X-External-User-ID"
)

// DashboardAuthMiddleware accepts either the dashboard service token plus the
// external user id the dashboard resolved from its own session, or a user API key.
// An empty serviceToken disables the service-token path.
func DashboardAuthMiddleware(users repository.UserRepository, serviceToken string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := strings.TrimSpace(c.Get(HeaderDashboardToken))
		if token == "" {
			apiKey := extractAPIKeyFromHeader(c)
			if apiKey == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing credentials"})
			}
			user, ok, err := authenticateAPIKey(c, users, apiKey)
			if err != nil || !ok {
				return err
			}
			usercontext.Set(c, user, usercontext.AuthMethodAPIKey)
			return c.Next()
		}

		if serviceToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(serviceToken)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid dashboard token"})
		}
		externalID := strings.TrimSpace(c.Get(HeaderExternalUserID))
		if externalID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing external user id"})
		}

		user, err := users.GetByExternalID(c.UserContext(), externalID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// The identity webhook may not have arrived yet.
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
			}
			log.Errorf("[Auth] Dashboard user lookup failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "User lookup failed"})
		}
		usercontext.Set(c, user, usercontext.AuthMethodDashboard)
		return c.Next()
	}
}
