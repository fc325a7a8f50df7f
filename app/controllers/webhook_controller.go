package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/procmon/procmon/internal/pkg/identity"
)

// IdentityWebhookController receives Clerk user lifecycle webhooks.
type IdentityWebhookController struct {
	identity *identity.Service
}

func NewIdentityWebhookController(svc *identity.Service) *IdentityWebhookController {
	return &IdentityWebhookController{identity: svc}
}

func (wc *IdentityWebhookController) HandleClerkWebhook(c *fiber.Ctx) error {
	headers := identity.SvixHeaders{
		ID:        c.Get("svix-id"),
		Timestamp: c.Get("svix-timestamp"),
		Signature: c.Get("svix-signature"),
	}

	out, err := wc.identity.HandleWebhook(c.UserContext(), headers, c.Body())
	if err != nil {
		if identity.IsClientError(err) {
			log.Warnf("[IdentitySync] Rejected webhook %s: %v", headers.ID, err)
			return jsonError(c, fiber.StatusBadRequest, "invalid_webhook", err.Error())
		}
		if errors.Is(err, identity.ErrSecretNotConfigured) {
			log.Errorf("[IdentitySync] CLERK_WEBHOOK_SECRET is not configured")
		} else {
			log.Errorf("[IdentitySync] Webhook %s (%s) failed: %v", headers.ID, out.EventType, err)
		}
		return internalError(c, "Webhook processing failed")
	}
	return c.JSON(fiber.Map{"success": true, "duplicate": out.Duplicate, "ignored": out.Ignored})
}
