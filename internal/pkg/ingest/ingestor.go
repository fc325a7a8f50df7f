// Package ingest accepts events from authenticated sources and hands them to delivery.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/category"
	"github.com/procmon/procmon/internal/pkg/metrics"
	"github.com/procmon/procmon/internal/pkg/payload"
	"github.com/procmon/procmon/internal/pkg/quota"
)

type reserver interface {
	TryReserve(ctx context.Context, user *models.User, categoryNew bool) (quota.Reservation, error)
	Release(ctx context.Context, r quota.Reservation)
	ReleaseCategory(ctx context.Context, userID uint) error
}

type categories interface {
	Resolve(ctx context.Context, userID uint, name string) (*models.EventCategory, error)
	GetOrCreate(ctx context.Context, userID uint, name string, color uint32, emoji string) (*models.EventCategory, bool, error)
	RecordEvent(ctx context.Context, categoryID uint, fieldNames []string, at time.Time) error
}

// Enqueuer schedules delivery of a persisted event. *jobqueue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventID uint) error
}

// Result is the acknowledgement returned to the event source.
type Result struct {
	EventID    string                `json:"event_id"`
	Status     models.DeliveryStatus `json:"status"`
	Category   string                `json:"category"`
	ReceivedAt time.Time             `json:"received_at"`
}

type Ingestor struct {
	ledger     reserver
	categories categories
	events     repository.EventRepository
	queue      Enqueuer
	now        func() time.Time
}

func NewIngestor(ledger reserver, categories categories, events repository.EventRepository, queue Enqueuer) *Ingestor {
	return &Ingestor{ledger: ledger, categories: categories, events: events, queue: queue, now: time.Now}
}

func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// ParseFields decodes a raw JSON object into fields, reporting problems as *RejectedError.
func ParseFields(raw []byte) (payload.Fields, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return payload.Fields{}, nil
	}
	fields, err := payload.Parse(raw)
	if err != nil {
		return nil, reject(ReasonInvalidPayload, err)
	}
	return fields, nil
}

// Ingest validates, charges quota, persists and enqueues one event. Rejections are
// *RejectedError and leave storage untouched.
func (i *Ingestor) Ingest(ctx context.Context, user *models.User, categoryName string, fields payload.Fields) (*Result, error) {
	res, err := i.ingest(ctx, user, categoryName, fields)
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		// The user was deleted while this request was in flight.
		err = &RejectedError{Reason: ReasonUnauthorized, Detail: "user no longer exists"}
	}
	var rej *RejectedError
	switch {
	case err == nil:
		metrics.EventsIngested.WithLabelValues("accepted").Inc()
	case errors.As(err, &rej):
		metrics.EventsIngested.WithLabelValues(string(rej.Reason)).Inc()
	default:
		metrics.EventsIngested.WithLabelValues("error").Inc()
	}
	return res, err
}

func (i *Ingestor) ingest(ctx context.Context, user *models.User, categoryName string, fields payload.Fields) (*Result, error) {
	if user == nil || user.ID == 0 {
		return nil, &RejectedError{Reason: ReasonUnauthorized, Detail: "unknown user"}
	}
	if err := category.ValidateName(categoryName); err != nil {
		return nil, reject(ReasonInvalidCategory, err)
	}
	if err := fields.Validate(); err != nil {
		if errors.Is(err, payload.ErrTooLarge) {
			return nil, reject(ReasonPayloadTooLarge, err)
		}
		return nil, reject(ReasonInvalidPayload, err)
	}

	receivedAt := i.now().UTC()

	existing, err := i.categories.Resolve(ctx, user.ID, categoryName)
	if err != nil && !errors.Is(err, category.ErrNotFound) {
		return nil, err
	}
	categoryNew := existing == nil

	reservation, err := i.ledger.TryReserve(ctx, user, categoryNew)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			return nil, &RejectedError{Reason: ReasonQuotaExceeded, Detail: exceeded.Error(), Quota: exceeded}
		}
		return nil, err
	}

	cat := existing
	if cat == nil {
		var created bool
		cat, created, err = i.categories.GetOrCreate(ctx, user.ID, categoryName, category.DefaultColor(categoryName), "")
		if err != nil {
			i.ledger.Release(ctx, reservation)
			return nil, err
		}
		if created {
			log.Infof("[Ingest] User %d created category %q on first event", user.ID, categoryName)
		} else {
			// Another request created it first; hand back the extra slot.
			if err := i.ledger.ReleaseCategory(ctx, user.ID); err != nil {
				log.Warnf("[Ingest] Failed to return category slot for user %d: %v", user.ID, err)
			}
		}
		reservation.CategoryNew = false
	}

	stored, err := payload.EncodeStored(fields)
	if err != nil {
		i.ledger.Release(ctx, reservation)
		return nil, reject(ReasonInvalidPayload, err)
	}
	event := &models.Event{
		PublicID:       uuid.New().String(),
		UserID:         user.ID,
		CategoryID:     cat.ID,
		Fields:         stored,
		ReceivedAt:     receivedAt,
		DeliveryStatus: models.DeliveryPending,
	}
	if err := i.events.Create(ctx, event); err != nil {
		i.ledger.Release(ctx, reservation)
		return nil, fmt.Errorf("persist event: %w", err)
	}

	// The pending sweeper picks the event up if this fails.
	if err := i.queue.Enqueue(ctx, event.ID); err != nil {
		log.Warnf("[Ingest] Failed to enqueue event %s: %v", event.PublicID, err)
	}

	if err := i.categories.RecordEvent(ctx, cat.ID, fields.Keys(), receivedAt); err != nil {
		log.Errorf("[Ingest] Failed to update aggregates of category %d: %v", cat.ID, err)
	}

	return &Result{EventID: event.PublicID, Status: event.DeliveryStatus, Category: cat.Name, ReceivedAt: receivedAt}, nil
}
