// Package category maps (user, name) to event categories and maintains their aggregates.
package category

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/payload"
)

var (
	ErrNotFound      = errors.New("category not found")
	ErrAlreadyExists = errors.New("category already exists")
	ErrInvalidName   = errors.New("category name must be 1-32 characters of letters, digits, dash or underscore")
)

const (
	MaxNameLength    = 32
	DefaultPageSize  = 20
	MaxEventPageSize = 50
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

var palette = []uint32{
	0x5865F2, 0x57F287, 0xFEE75C, 0xEB459E, 0xED4245,
	0x3BA55C, 0xFAA61A, 0x9B59B6, 0x1ABC9C, 0x3498DB,
}

// ValidateName checks the category name rules.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// DefaultColor picks a stable palette color from the name.
func DefaultColor(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(name)))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Summary is the dashboard view of a category.
type Summary struct {
	ID               uint       `json:"id"`
	Name             string     `json:"name"`
	Color            uint32     `json:"color"`
	Emoji            string     `json:"emoji"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastPing         *time.Time `json:"lastPing"`
	UniqueFieldCount int        `json:"uniqueFieldCount"`
	EventsCount      int64      `json:"eventsCount"`
}

// EventView is one event as listed under its category.
type EventView struct {
	ID               string                `json:"id"`
	ReceivedAt       time.Time             `json:"receivedAt"`
	DeliveryStatus   models.DeliveryStatus `json:"deliveryStatus"`
	DeliveryAttempts int                   `json:"deliveryAttempts"`
	LastError        string                `json:"lastError,omitempty"`
	Fields           payload.Fields        `json:"fields"`
}

// EventPage is a page of EventView, newest first.
type EventPage struct {
	Category Summary     `json:"category"`
	Events   []EventView `json:"events"`
	Page     int         `json:"page"`
	Limit    int         `json:"limit"`
	Total    int64       `json:"total"`
}

type slotLedger interface {
	ChargeCategory(ctx context.Context, user *models.User) error
	ReleaseCategory(ctx context.Context, userID uint) error
}

// Registry owns event_categories and category_fields.
type Registry struct {
	repo   repository.CategoryRepository
	events repository.EventRepository
	ledger slotLedger
	now    func() time.Time
}

func NewRegistry(repo repository.CategoryRepository, events repository.EventRepository, ledger slotLedger) *Registry {
	return &Registry{repo: repo, events: events, ledger: ledger, now: time.Now}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Resolve returns the category or ErrNotFound; it never creates.
func (r *Registry) Resolve(ctx context.Context, userID uint, name string) (*models.EventCategory, error) {
	c, err := r.repo.GetByName(ctx, userID, name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve category %q: %w", name, err)
	}
	return c, nil
}

// GetOrCreate is idempotent. Concurrent callers converge on the first writer's row;
// the boolean reports whether this call created it.
func (r *Registry) GetOrCreate(ctx context.Context, userID uint, name string, color uint32, emoji string) (*models.EventCategory, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}
	if emoji == "" {
		emoji = models.DefaultCategoryEmoji
	}
	c := &models.EventCategory{UserID: userID, Name: name, Color: color & 0xFFFFFF, Emoji: emoji}
	created, err := r.repo.CreateIfNotExists(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("create category %q: %w", name, err)
	}
	return c, created, nil
}

// Create is the explicit management operation. It takes a category slot from the quota.
func (r *Registry) Create(ctx context.Context, user *models.User, name string, color *uint32, emoji string) (*models.EventCategory, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := r.Resolve(ctx, user.ID, name); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := r.ledger.ChargeCategory(ctx, user); err != nil {
		return nil, err
	}

	c := DefaultColor(name)
	if color != nil {
		c = *color
	}
	cat, created, err := r.GetOrCreate(ctx, user.ID, name, c, emoji)
	if err != nil || !created {
		r.releaseSlot(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return nil, ErrAlreadyExists
	}
	log.Infof("[Category] User %d created category %q", user.ID, name)
	return cat, nil
}

// RecordEvent folds one accepted event into the aggregates of categoryID.
func (r *Registry) RecordEvent(ctx context.Context, categoryID uint, fieldNames []string, at time.Time) error {
	if err := r.repo.RecordEvent(ctx, categoryID, models.PeriodOf(at), at, fieldNames, models.MaxTrackedFieldNames); err != nil {
		return fmt.Errorf("record event on category %d: %w", categoryID, err)
	}
	return nil
}

// List returns the user's categories, most recently active first.
func (r *Registry) List(ctx context.Context, userID uint) ([]Summary, error) {
	categories, err := r.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	period := models.PeriodOf(r.now())
	out := make([]Summary, 0, len(categories))
	for i := range categories {
		out = append(out, summarize(&categories[i], period))
	}
	return out, nil
}

func summarize(c *models.EventCategory, period string) Summary {
	return Summary{
		ID:               c.ID,
		Name:             c.Name,
		Color:            c.Color,
		Emoji:            c.Emoji,
		CreatedAt:        c.CreatedAt,
		LastPing:         c.LastPingAt,
		UniqueFieldCount: c.UniqueFieldCount,
		EventsCount:      c.EventsCountFor(period),
	}
}

// ListEvents pages through a category's events. page starts at 1.
func (r *Registry) ListEvents(ctx context.Context, userID uint, name string, page, limit int) (*EventPage, error) {
	c, err := r.Resolve(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxEventPageSize)

	events, total, err := r.events.ListByCategory(ctx, c.ID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	views := make([]EventView, 0, len(events))
	for _, e := range events {
		fields, err := payload.DecodeStored(e.Fields)
		if err != nil {
			log.Warnf("[Category] Event %s has unreadable fields: %v", e.PublicID, err)
			fields = payload.Fields{}
		}
		views = append(views, EventView{
			ID:               e.PublicID,
			ReceivedAt:       e.ReceivedAt,
			DeliveryStatus:   e.DeliveryStatus,
			DeliveryAttempts: e.DeliveryAttempts,
			LastError:        e.LastError,
			Fields:           fields,
		})
	}
	return &EventPage{
		Category: summarize(c, models.PeriodOf(r.now())),
		Events:   views,
		Page:     page,
		Limit:    limit,
		Total:    total,
	}, nil
}

// Delete removes the category together with its events and frees its quota slot.
func (r *Registry) Delete(ctx context.Context, userID uint, name string) error {
	err := r.repo.DeleteByName(ctx, userID, name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete category %q: %w", name, err)
	}
	log.Infof("[Category] User %d deleted category %q and its events", userID, name)
	r.releaseSlot(ctx, userID)
	return nil
}

func (r *Registry) releaseSlot(ctx context.Context, userID uint) {
	if err := r.ledger.ReleaseCategory(ctx, userID); err != nil {
		log.Warnf("[Category] Failed to release category slot for user %d: %v", userID, err)
	}
}
