package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/entitlements"
	"github.com/procmon/procmon/internal/pkg/usercontext"
)

type setDiscordRequest struct {
	DiscordID string `json:"discordId" validate:"required,numeric,min=17,max=20"`
}

// AccountController serves the account, destination and API key endpoints.
type AccountController struct {
	users repository.UserRepository
	now   func() time.Time
}

func NewAccountController(users repository.UserRepository) *AccountController {
	return &AccountController{users: users, now: time.Now}
}

// HandleGetAccount returns account information for the authenticated user (API key or dashboard token).
func (ac *AccountController) HandleGetAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	account, err := ac.users.GetByID(c.UserContext(), userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "User not found")
		}
		return internalError(c, "Failed to load user")
	}

	limits := entitlements.ForUser(account)
	return c.JSON(fiber.Map{
		"id":          account.ID,
		"external_id": account.ExternalID,
		"email":       account.Email,
		"plan":        entitlements.Normalize(account.Plan),
		"discord_id":  account.DiscordID,
		"limits": fiber.Map{
			"max_events_per_month": limits.MaxEvents,
			"max_categories":       limits.MaxCategories,
		},
		"api_key": fiber.Map{
			"active":       account.HasActiveAPIKey(),
			"prefix":       account.APIKeyPrefix,
			"created_at":   formatTimePtr(account.APIKeyCreatedAt),
			"last_used_at": formatTimePtr(account.APIKeyLastUsedAt),
		},
		"created_at": account.CreatedAt.UTC().Format(time.RFC3339),
		"auth":       userCtx.AuthMethod,
	})
}

// HandleSetDiscordID stores the Discord user id events are delivered to.
func (ac *AccountController) HandleSetDiscordID(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)

	var req setDiscordRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
	}
	req.DiscordID = strings.TrimSpace(req.DiscordID)
	if err := validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "discordId must be a Discord user id (17-20 digits)")
	}

	if err := ac.users.SetDiscordID(c.UserContext(), user.ID, &req.DiscordID); err != nil {
		log.Errorf("[Account] Setting discord id for user %d failed: %v", user.ID, err)
		return internalError(c, "Failed to update Discord ID")
	}
	log.Infof("[Account] User %d updated Discord destination", user.ID)
	return c.JSON(fiber.Map{"success": true, "discordId": req.DiscordID})
}

// HandleRotateAPIKey issues a new key. The raw key is only ever returned here.
func (ac *AccountController) HandleRotateAPIKey(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)

	raw, err := user.IssueAPIKey(ac.now())
	if err != nil {
		log.Errorf("[Account] Generating api key for user %d failed: %v", user.ID, err)
		return internalError(c, "Failed to generate API key")
	}
	if err := ac.users.SetAPIKey(c.UserContext(), user.ID, user.APIKeyHash, user.APIKeyPrefix, *user.APIKeyCreatedAt); err != nil {
		log.Errorf("[Account] Storing api key for user %d failed: %v", user.ID, err)
		return internalError(c, "Failed to store API key")
	}
	log.Infof("[Account] User %d rotated API key", user.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"api_key":    raw,
		"prefix":     user.APIKeyPrefix,
		"created_at": formatTimePtr(user.APIKeyCreatedAt),
	})
}
