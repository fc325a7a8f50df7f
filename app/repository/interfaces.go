package repository

import (
	"context"
	"time"

	"github.com/procmon/procmon/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error)
	// Upsert inserts user or, when the external id already exists, updates the email only.
	Upsert(ctx context.Context, user *models.User) (bool, error)
	SetDiscordID(ctx context.Context, id uint, discordID *string) error
	SetAPIKey(ctx context.Context, id uint, hash, prefix string, createdAt time.Time) error
	TouchAPIKeyUsage(ctx context.Context, id uint, at time.Time) error
	SetStripeCustomerID(ctx context.Context, id uint, customerID string) error
	ActivatePlan(ctx context.Context, id uint, plan string, quotaLimit int) error
	// DeleteByExternalID removes the user with all owned rows. Returns gorm.ErrRecordNotFound when absent.
	DeleteByExternalID(ctx context.Context, externalID string) error
}

// CategoryRepository defines the interface for event category operations
type CategoryRepository interface {
	GetByName(ctx context.Context, userID uint, name string) (*models.EventCategory, error)
	GetByID(ctx context.Context, id uint) (*models.EventCategory, error)
	// CreateIfNotExists inserts category unless (user_id, name) exists and loads the stored row into it.
	CreateIfNotExists(ctx context.Context, category *models.EventCategory) (bool, error)
	ListByUser(ctx context.Context, userID uint) ([]models.EventCategory, error)
	CountByUser(ctx context.Context, userID uint) (int64, error)
	RecordEvent(ctx context.Context, categoryID uint, period string, at time.Time, fieldNames []string, fieldCap int) error
	// DeleteByName removes the category and its events. Returns gorm.ErrRecordNotFound when absent.
	DeleteByName(ctx context.Context, userID uint, name string) error
}

// EventRepository defines the interface for event persistence and delivery state
type EventRepository interface {
	Create(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, id uint) (*models.Event, error)
	GetByPublicID(ctx context.Context, publicID string) (*models.Event, error)
	ListByCategory(ctx context.Context, categoryID uint, offset, limit int) ([]models.Event, int64, error)
	RecordAttempt(ctx context.Context, id uint, lastError string) error
	MarkDelivered(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint, reason string) (bool, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]uint, error)
	Touch(ctx context.Context, ids []uint, at time.Time) error
}

// QuotaRepository defines the interface for per-period usage counters
type QuotaRepository interface {
	// Reserve adds events and categories to the period counters only if both stay within their limits.
	Reserve(ctx context.Context, userID uint, period string, events, categories, maxEvents, maxCategories int) (bool, error)
	// EnsurePeriod creates the period row if missing. categories_used is seeded from the live category count.
	EnsurePeriod(ctx context.Context, userID uint, period string) error
	Get(ctx context.Context, userID uint, period string) (*models.QuotaLedger, error)
	// Release decrements the counters without going below zero.
	Release(ctx context.Context, userID uint, period string, events, categories int) error
}

// WebhookEventRepository defines the interface for inbound provider webhook bookkeeping
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
}
