package usercontext

import (
	"github.com/gofiber/fiber/v2"

	"github.com/procmon/procmon/app/models"
)

// UserContext represents the authenticated caller of a request
type UserContext struct {
	UserID     uint   `json:"user_id"`
	ExternalID string `json:"external_id"`
	IsLoggedIn bool   `json:"is_logged_in"`
	Plan       string `json:"plan"`
	AuthMethod string `json:"auth_method"`
}

// Set stores user as the caller of c.
func Set(c *fiber.Ctx, user *models.User, method string) {
	c.Locals(KeyUserContext, UserContext{
		UserID:     user.ID,
		ExternalID: user.ExternalID,
		IsLoggedIn: true,
		Plan:       user.Plan,
		AuthMethod: method,
	})
	c.Locals(KeyUser, user)
	c.Locals(KeyUserID, user.ID)
	c.Locals(KeyAuthMethod, method)
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{IsLoggedIn: false}
}

// GetUser returns the resolved user row, or nil for anonymous requests.
func GetUser(c *fiber.Ctx) *models.User {
	if u, ok := c.Locals(KeyUser).(*models.User); ok {
		return u
	}
	return nil
}

// IsLoggedIn checks if the current request is authenticated
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// GetUserID returns the current user's ID, or 0 if not logged in
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
