package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
)

type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository instance
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) Create(ctx context.Context, event *models.Event) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *eventRepository) GetByID(ctx context.Context, id uint) (*models.Event, error) {
	var e models.Event
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *eventRepository) GetByPublicID(ctx context.Context, publicID string) (*models.Event, error) {
	var e models.Event
	if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// ListByCategory returns a page of events, newest first, and the total count.
func (r *eventRepository) ListByCategory(ctx context.Context, categoryID uint, offset, limit int) ([]models.Event, int64, error) {
	var total int64
	q := r.db.WithContext(ctx).Model(&models.Event{}).Where("category_id = ?", categoryID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.Event
	err := r.db.WithContext(ctx).Where("category_id = ?", categoryID).
		Order("received_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).Find(&events).Error
	return events, total, err
}

// RecordAttempt counts one delivery attempt on a still-pending event.
func (r *eventRepository) RecordAttempt(ctx context.Context, id uint, lastError string) error {
	return r.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND delivery_status = ?", id, models.DeliveryPending).
		Updates(map[string]interface{}{
			"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
			"last_error":        lastError,
		}).Error
}

// MarkDelivered is conditional on PENDING, so the transition is recorded at most once.
func (r *eventRepository) MarkDelivered(ctx context.Context, id uint, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND delivery_status = ?", id, models.DeliveryPending).
		Updates(map[string]interface{}{
			"delivery_status": models.DeliveryDelivered,
			"delivered_at":    at,
			"last_error":      "",
		})
	return tx.RowsAffected == 1, tx.Error
}

func (r *eventRepository) MarkFailed(ctx context.Context, id uint, reason string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND delivery_status = ?", id, models.DeliveryPending).
		Updates(map[string]interface{}{
			"delivery_status": models.DeliveryFailed,
			"last_error":      reason,
		})
	return tx.RowsAffected == 1, tx.Error
}

// ListStalePending returns ids of PENDING events not touched since olderThan, oldest first.
func (r *eventRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Event{}).
		Where("delivery_status = ? AND updated_at < ?", models.DeliveryPending, olderThan).
		Order("updated_at ASC").Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *eventRepository) Touch(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Event{}).Where("id IN ?", ids).
		UpdateColumn("updated_at", at).Error
}
