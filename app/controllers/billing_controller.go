package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/procmon/procmon/internal/pkg/billing"
	"github.com/procmon/procmon/internal/pkg/usercontext"
)

// BillingController starts PRO upgrades and receives Stripe webhooks.
type BillingController struct {
	billing *billing.Service
}

func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{billing: svc}
}

// HandleCreateCheckout returns the hosted checkout URL for the PRO plan.
func (bc *BillingController) HandleCreateCheckout(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)

	session, err := bc.billing.CreateCheckoutSession(c.UserContext(), user)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrAlreadyPro):
			return jsonError(c, fiber.StatusConflict, "conflict", "User is already on the PRO plan")
		case errors.Is(err, billing.ErrStripeNotConfigured):
			return jsonError(c, fiber.StatusServiceUnavailable, "billing_unavailable", "Billing is not configured")
		}
		log.Errorf("[Billing] Checkout for user %d failed: %v", user.ID, err)
		return internalError(c, "Failed to create checkout session")
	}
	return c.JSON(fiber.Map{"url": session.URL})
}

// HandleStripeWebhook applies a signed Stripe event.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	out, err := bc.billing.HandleWebhook(c.UserContext(), c.Get("Stripe-Signature"), c.Body())
	if err != nil {
		if errors.Is(err, billing.ErrInvalidStripeSignature) || errors.Is(err, billing.ErrInvalidPayload) {
			log.Warnf("[Billing] Rejected webhook: %v", err)
			return jsonError(c, fiber.StatusBadRequest, "invalid_webhook", err.Error())
		}
		log.Errorf("[Billing] Webhook %s failed: %v", out.EventType, err)
		return internalError(c, "Webhook processing failed")
	}
	return c.JSON(fiber.Map{"received": true, "duplicate": out.Duplicate, "ignored": out.Ignored})
}
