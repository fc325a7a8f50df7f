// Package billing sells the PRO plan through Stripe Checkout and applies it on payment.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/entitlements"
)

var (
	ErrAlreadyPro     = errors.New("user is already on the PRO plan")
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

type checkoutCreator interface {
	CreateCheckoutSession(ctx context.Context, in CheckoutRequest) (*CheckoutSession, error)
}

// Service creates checkout sessions and activates plans from Stripe webhooks.
type Service struct {
	users         repository.UserRepository
	webhooks      repository.WebhookEventRepository
	checkout      checkoutCreator
	webhookSecret string
	now           func() time.Time
}

func NewService(users repository.UserRepository, webhooks repository.WebhookEventRepository, checkout checkoutCreator, webhookSecret string) *Service {
	return &Service{users: users, webhooks: webhooks, checkout: checkout, webhookSecret: webhookSecret, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateCheckoutSession returns the hosted checkout for upgrading user to PRO.
func (s *Service) CreateCheckoutSession(ctx context.Context, user *models.User) (*CheckoutSession, error) {
	if user.IsPro() {
		return nil, ErrAlreadyPro
	}
	session, err := s.checkout.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:   user.ID,
		Email:    user.Email,
		Customer: user.StripeCustomerID,
	})
	if err != nil {
		return nil, err
	}
	if session.Customer != "" && user.StripeCustomerID == "" {
		if err := s.users.SetStripeCustomerID(ctx, user.ID, session.Customer); err != nil {
			log.Warnf("[Billing] Failed to store customer for user %d: %v", user.ID, err)
		}
	}
	log.Infof("[Billing] Checkout session %s created for user %d", session.ID, user.ID)
	return session, nil
}

// HandleWebhook verifies and applies one Stripe delivery, at most once per Stripe event id.
func (s *Service) HandleWebhook(ctx context.Context, signatureHeader string, body []byte) (WebhookOutcome, error) {
	if err := VerifyStripeWebhookSignature(body, signatureHeader, s.webhookSecret, s.now()); err != nil {
		return WebhookOutcome{}, err
	}

	var evt StripeEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.ID == "" || evt.Type == "" {
		return WebhookOutcome{}, fmt.Errorf("%w: malformed event", ErrInvalidPayload)
	}
	out := WebhookOutcome{EventType: evt.Type}

	created, stored, err := s.webhooks.CreateIfNotExists(ctx, &models.WebhookEvent{
		Provider:        models.WebhookProviderStripe,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		PayloadJSON:     string(body),
		SignatureValid:  true,
	})
	if err != nil {
		return out, fmt.Errorf("record webhook: %w", err)
	}
	if !created && stored.IsProcessed() {
		out.Duplicate = true
		return out, nil
	}

	err = s.apply(ctx, evt, &out)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if markErr := s.webhooks.MarkProcessed(ctx, stored.ID, errMsg); markErr != nil {
		log.Warnf("[Billing] Failed to mark webhook %s processed: %v", evt.ID, markErr)
	}
	return out, err
}

func (s *Service) apply(ctx context.Context, evt StripeEvent, out *WebhookOutcome) error {
	if evt.Type != EventCheckoutSessionCompleted {
		out.Ignored = true
		return nil
	}

	var session StripeCheckoutSession
	if err := json.Unmarshal(evt.Data.Object, &session); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.EqualFold(session.PaymentStatus, "unpaid") {
		out.Ignored = true
		return nil
	}

	ref := strings.TrimSpace(session.ClientReferenceID)
	if ref == "" {
		ref = strings.TrimSpace(session.Metadata["userId"])
	}
	userID, err := strconv.ParseUint(ref, 10, 64)
	if err != nil || userID == 0 {
		return fmt.Errorf("%w: checkout session %s has no user reference", ErrInvalidPayload, session.ID)
	}

	user, err := s.users.GetByID(ctx, uint(userID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The account was deleted between checkout and payment.
		log.Warnf("[Billing] Checkout %s completed for unknown user %d", session.ID, userID)
		out.Ignored = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user %d: %w", userID, err)
	}

	limits := entitlements.ForPlan(models.PLAN_PRO)
	if err := s.users.ActivatePlan(ctx, user.ID, models.PLAN_PRO, limits.MaxEvents); err != nil {
		return fmt.Errorf("activate PRO for user %d: %w", user.ID, err)
	}
	if session.Customer != "" && session.Customer != user.StripeCustomerID {
		if err := s.users.SetStripeCustomerID(ctx, user.ID, session.Customer); err != nil {
			return fmt.Errorf("store customer for user %d: %w", user.ID, err)
		}
	}
	out.UserID = user.ID
	log.Infof("[Billing] User %d upgraded to PRO", user.ID)
	return nil
}
