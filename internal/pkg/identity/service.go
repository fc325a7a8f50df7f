// Package identity mirrors identity-provider accounts into the local users table.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrNoPrimaryEmail = errors.New("no primary email found")
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// IsClientError reports whether err is caused by the request rather than by this service.
// The provider should not retry such deliveries.
func IsClientError(err error) bool {
	for _, target := range []error{ErrMissingHeaders, ErrInvalidSignature, ErrTimestampOutOfRange, ErrNoPrimaryEmail, ErrInvalidPayload} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Outcome describes what a webhook delivery did.
type Outcome struct {
	EventType string `json:"type"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Created   bool   `json:"created,omitempty"`
}

type Service struct {
	users    repository.UserRepository
	webhooks repository.WebhookEventRepository
	secret   string
	validate *validator.Validate
	now      func() time.Time
}

func NewService(users repository.UserRepository, webhooks repository.WebhookEventRepository, webhookSecret string) *Service {
	return &Service{
		users:    users,
		webhooks: webhooks,
		secret:   webhookSecret,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OnUserUpserted creates a FREE user for externalID or updates the email of an existing one.
// Replays converge on the same row.
func (s *Service) OnUserUpserted(ctx context.Context, externalID, email string) (*models.User, bool, error) {
	externalID = strings.TrimSpace(externalID)
	email = strings.TrimSpace(email)
	if externalID == "" {
		return nil, false, fmt.Errorf("%w: missing user id", ErrInvalidPayload)
	}
	if err := s.validate.Var(email, "required,email,max=200"); err != nil {
		return nil, false, fmt.Errorf("%w: email %q", ErrInvalidPayload, email)
	}

	user, _, err := models.NewUser(externalID, email, s.now())
	if err != nil {
		return nil, false, err
	}
	created, err := s.users.Upsert(ctx, user)
	if err != nil {
		return nil, false, fmt.Errorf("upsert user %s: %w", externalID, err)
	}
	if created {
		log.Infof("[IdentitySync] Created user %d for %s", user.ID, externalID)
	} else {
		log.Debugf("[IdentitySync] Updated email of user %d", user.ID)
	}
	return user, created, nil
}

// OnUserDeleted removes the user and everything they own. A missing user is already deleted.
func (s *Service) OnUserDeleted(ctx context.Context, externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidPayload)
	}
	err := s.users.DeleteByExternalID(ctx, externalID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debugf("[IdentitySync] Delete for unknown user %s ignored", externalID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete user %s: %w", externalID, err)
	}
	log.Infof("[IdentitySync] Deleted user %s", externalID)
	return nil
}

// HandleWebhook verifies and applies one signed delivery. Verification happens before
// anything is written. Deliveries already processed successfully are acknowledged as
// duplicates; failed ones are processed again when the provider retries.
func (s *Service) HandleWebhook(ctx context.Context, h SvixHeaders, body []byte) (Outcome, error) {
	if err := VerifySvix(s.secret, h, body, s.now()); err != nil {
		return Outcome{}, err
	}

	var evt ClerkEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.Type == "" {
		return Outcome{}, fmt.Errorf("%w: malformed envelope", ErrInvalidPayload)
	}
	out := Outcome{EventType: evt.Type}

	created, stored, err := s.webhooks.CreateIfNotExists(ctx, &models.WebhookEvent{
		Provider:        models.WebhookProviderClerk,
		ProviderEventID: strings.TrimSpace(h.ID),
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
		log.Warnf("[IdentitySync] Failed to mark webhook %s processed: %v", h.ID, markErr)
	}
	return out, err
}

func (s *Service) apply(ctx context.Context, evt ClerkEvent, out *Outcome) error {
	var data ClerkUser
	switch evt.Type {
	case EventUserCreated, EventUserUpdated, EventUserDeleted:
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	default:
		out.Ignored = true
		return nil
	}

	if evt.Type == EventUserDeleted {
		return s.OnUserDeleted(ctx, data.ID)
	}

	email, ok := data.PrimaryEmail()
	if !ok {
		return ErrNoPrimaryEmail
	}
	_, created, err := s.OnUserUpserted(ctx, data.ID, email)
	out.Created = created
	return err
}
