package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/metrics"
	"github.com/procmon/procmon/internal/pkg/payload"
)

// Sender is the outbound channel. *DiscordClient implements it.
type Sender interface {
	Configured() bool
	SendDM(ctx context.Context, recipientID string, msg Message) error
}

// Dispatcher performs single delivery attempts and records their outcome on the event.
// Retry scheduling belongs to the job queue.
type Dispatcher struct {
	events      repository.EventRepository
	categories  repository.CategoryRepository
	users       repository.UserRepository
	sender      Sender
	maxAttempts int
	now         func() time.Time
}

func NewDispatcher(events repository.EventRepository, categories repository.CategoryRepository, users repository.UserRepository, sender Sender) *Dispatcher {
	return &Dispatcher{events: events, categories: categories, users: users, sender: sender, now: time.Now}
}

// WithMaxAttempts caps the recorded attempts per event across all jobs that carry it.
// Zero leaves attempts uncapped.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	d.maxAttempts = n
	return d
}

// Dispatch delivers eventID once. It is safe to call repeatedly: settled or deleted events
// are acknowledged without side effects. A non-nil error is always *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID uint) error {
	event, err := d.events.GetByID(ctx, eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.Deliveries.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return transient(fmt.Errorf("load event %d: %w", eventID, err))
	}
	if event.IsTerminal() {
		metrics.Deliveries.WithLabelValues("skipped").Inc()
		return nil
	}
	if d.maxAttempts > 0 && event.DeliveryAttempts >= d.maxAttempts {
		return d.fail(ctx, event, permanent(fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, event.DeliveryAttempts)))
	}

	user, err := d.users.GetByID(ctx, event.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.fail(ctx, event, permanent(fmt.Errorf("owner of event %s no longer exists", event.PublicID)))
	}
	if err != nil {
		return transient(fmt.Errorf("load user %d: %w", event.UserID, err))
	}
	if !user.HasDestination() {
		return d.fail(ctx, event, permanent(ErrNoDestination))
	}
	if !d.sender.Configured() {
		return d.fail(ctx, event, permanent(ErrNotConfigured))
	}

	category, err := d.categories.GetByID(ctx, event.CategoryID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.fail(ctx, event, permanent(fmt.Errorf("category %d of event %s no longer exists", event.CategoryID, event.PublicID)))
	}
	if err != nil {
		return transient(fmt.Errorf("load category %d: %w", event.CategoryID, err))
	}
	fields, err := payload.DecodeStored(event.Fields)
	if err != nil {
		return d.fail(ctx, event, permanent(err))
	}

	start := time.Now()
	sendErr := d.sender.SendDM(ctx, *user.DiscordID, BuildMessage(category, fields, event.ReceivedAt))
	metrics.DeliveryAttemptDuration.Observe(time.Since(start).Seconds())

	if sendErr == nil {
		if err := d.events.RecordAttempt(ctx, event.ID, ""); err != nil {
			log.Warnf("[Dispatcher] Failed to count attempt for event %s: %v", event.PublicID, err)
		}
		delivered, err := d.events.MarkDelivered(ctx, event.ID, d.now())
		if err != nil {
			return transient(fmt.Errorf("record delivery of event %s: %w", event.PublicID, err))
		}
		if delivered {
			metrics.Deliveries.WithLabelValues("delivered").Inc()
			log.Debugf("[Dispatcher] Delivered event %s to user %d", event.PublicID, user.ID)
		}
		return nil
	}

	var de *Error
	if !errors.As(sendErr, &de) {
		de = transient(sendErr)
	}
	if err := d.events.RecordAttempt(ctx, event.ID, de.Error()); err != nil {
		log.Warnf("[Dispatcher] Failed to count attempt for event %s: %v", event.PublicID, err)
	}
	if de.Permanent {
		return d.fail(ctx, event, de)
	}
	metrics.Deliveries.WithLabelValues("retry").Inc()
	log.Infof("[Dispatcher] Transient failure for event %s: %v", event.PublicID, de)
	return de
}

// GiveUp marks the event FAILED after the queue has exhausted its attempts.
func (d *Dispatcher) GiveUp(ctx context.Context, eventID uint, reason string) error {
	failed, err := d.events.MarkFailed(ctx, eventID, reason)
	if err != nil {
		return fmt.Errorf("mark event %d failed: %w", eventID, err)
	}
	if failed {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		log.Warnf("[Dispatcher] Event %d failed permanently after retries: %s", eventID, reason)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, event *models.Event, de *Error) error {
	if _, err := d.events.MarkFailed(ctx, event.ID, de.Error()); err != nil {
		log.Errorf("[Dispatcher] Failed to mark event %s failed: %v", event.PublicID, err)
		return transient(err)
	}
	metrics.Deliveries.WithLabelValues("failed").Inc()
	log.Warnf("[Dispatcher] Event %s failed: %v", event.PublicID, de)
	return de
}
