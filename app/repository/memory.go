package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
)

// NewMemoryRepositories returns repositories backed by process memory. They honour the same
// conditional-write semantics and foreign keys as the MySQL schema and are used by tests and
// local runs without MySQL.
func NewMemoryRepositories() *Repositories {
	s := &memoryStore{
		users:      map[uint]*models.User{},
		categories: map[uint]*models.EventCategory{},
		fields:     map[uint]map[string]struct{}{},
		events:     map[uint]*models.Event{},
		ledgers:    map[ledgerKey]*models.QuotaLedger{},
		webhooks:   map[webhookKey]*models.WebhookEvent{},
	}
	return &Repositories{
		User:         &memoryUserRepository{s},
		Category:     &memoryCategoryRepository{s},
		Event:        &memoryEventRepository{s},
		Quota:        &memoryQuotaRepository{s},
		WebhookEvent: &memoryWebhookEventRepository{s},
	}
}

type ledgerKey struct {
	userID uint
	period string
}

type webhookKey struct {
	provider string
	id       string
}

type memoryStore struct {
	mu         sync.Mutex
	nextID     uint
	users      map[uint]*models.User
	categories map[uint]*models.EventCategory
	fields     map[uint]map[string]struct{}
	events     map[uint]*models.Event
	ledgers    map[ledgerKey]*models.QuotaLedger
	webhooks   map[webhookKey]*models.WebhookEvent
}

func (s *memoryStore) id() uint {
	s.nextID++
	return s.nextID
}

// --- users

type memoryUserRepository struct{ s *memoryStore }

func (r *memoryUserRepository) GetByID(_ context.Context, id uint) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepository) GetByExternalID(_ context.Context, externalID string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u := r.byExternalID(strings.TrimSpace(externalID))
	if u == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepository) byExternalID(externalID string) *models.User {
	for _, u := range r.s.users {
		if u.ExternalID == externalID {
			return u
		}
	}
	return nil
}

func (r *memoryUserRepository) GetByAPIKeyHash(_ context.Context, hash string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, gorm.ErrRecordNotFound
	}
	for _, u := range r.s.users {
		if u.APIKeyHash == hash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryUserRepository) Upsert(_ context.Context, user *models.User) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	if existing := r.byExternalID(user.ExternalID); existing != nil {
		existing.Email = user.Email
		existing.UpdatedAt = now
		*user = *existing
		return false, nil
	}
	stored := *user
	stored.ID = r.s.id()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.s.users[stored.ID] = &stored
	*user = stored
	return true, nil
}

func (r *memoryUserRepository) update(id uint, fn func(u *models.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

func (r *memoryUserRepository) SetDiscordID(_ context.Context, id uint, discordID *string) error {
	return r.update(id, func(u *models.User) { u.DiscordID = discordID })
}

func (r *memoryUserRepository) SetAPIKey(_ context.Context, id uint, hash, prefix string, createdAt time.Time) error {
	return r.update(id, func(u *models.User) {
		u.APIKeyHash = hash
		u.APIKeyPrefix = prefix
		u.APIKeyCreatedAt = &createdAt
		u.APIKeyLastUsedAt = nil
	})
}

func (r *memoryUserRepository) TouchAPIKeyUsage(_ context.Context, id uint, at time.Time) error {
	return r.update(id, func(u *models.User) { u.APIKeyLastUsedAt = &at })
}

func (r *memoryUserRepository) SetStripeCustomerID(_ context.Context, id uint, customerID string) error {
	return r.update(id, func(u *models.User) { u.StripeCustomerID = customerID })
}

func (r *memoryUserRepository) ActivatePlan(_ context.Context, id uint, plan string, quotaLimit int) error {
	return r.update(id, func(u *models.User) {
		u.Plan = plan
		u.QuotaLimit = quotaLimit
	})
}

func (r *memoryUserRepository) DeleteByExternalID(_ context.Context, externalID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u := r.byExternalID(strings.TrimSpace(externalID))
	if u == nil {
		return gorm.ErrRecordNotFound
	}
	for id, c := range r.s.categories {
		if c.UserID == u.ID {
			delete(r.s.fields, id)
			delete(r.s.categories, id)
		}
	}
	for id, e := range r.s.events {
		if e.UserID == u.ID {
			delete(r.s.events, id)
		}
	}
	for k := range r.s.ledgers {
		if k.userID == u.ID {
			delete(r.s.ledgers, k)
		}
	}
	delete(r.s.users, u.ID)
	return nil
}

// --- categories

type memoryCategoryRepository struct{ s *memoryStore }

func (r *memoryCategoryRepository) byName(userID uint, name string) *models.EventCategory {
	for _, c := range r.s.categories {
		if c.UserID == userID && c.Name == name {
			return c
		}
	}
	return nil
}

func (r *memoryCategoryRepository) GetByName(_ context.Context, userID uint, name string) (*models.EventCategory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.byName(userID, name)
	if c == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memoryCategoryRepository) GetByID(_ context.Context, id uint) (*models.EventCategory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.categories[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memoryCategoryRepository) CreateIfNotExists(_ context.Context, category *models.EventCategory) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing := r.byName(category.UserID, category.Name); existing != nil {
		*category = *existing
		return false, nil
	}
	if _, ok := r.s.users[category.UserID]; !ok {
		return false, gorm.ErrForeignKeyViolated
	}
	now := time.Now()
	stored := *category
	stored.ID = r.s.id()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.s.categories[stored.ID] = &stored
	*category = stored
	return true, nil
}

func (r *memoryCategoryRepository) ListByUser(_ context.Context, userID uint) ([]models.EventCategory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.EventCategory
	for _, c := range r.s.categories {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r *memoryCategoryRepository) CountByUser(_ context.Context, userID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.countCategories(userID), nil
}

func (s *memoryStore) countCategories(userID uint) int64 {
	var n int64
	for _, c := range s.categories {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

func (r *memoryCategoryRepository) RecordEvent(_ context.Context, categoryID uint, period string, at time.Time, fieldNames []string, fieldCap int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.categories[categoryID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	set := r.s.fields[categoryID]
	if set == nil {
		set = map[string]struct{}{}
		r.s.fields[categoryID] = set
	}
	for _, name := range fieldNames {
		if len(set) >= fieldCap {
			break
		}
		set[name] = struct{}{}
	}

	if c.EventsPeriod == period {
		c.EventsCount++
	} else {
		c.EventsCount = 1
		c.EventsPeriod = period
	}
	if c.LastPingAt == nil || c.LastPingAt.Before(at) {
		t := at
		c.LastPingAt = &t
	}
	c.UniqueFieldCount = min(fieldCap, len(set))
	c.UpdatedAt = time.Now()
	return nil
}

func (r *memoryCategoryRepository) DeleteByName(_ context.Context, userID uint, name string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.byName(userID, name)
	if c == nil {
		return gorm.ErrRecordNotFound
	}
	for id, e := range r.s.events {
		if e.CategoryID == c.ID {
			delete(r.s.events, id)
		}
	}
	delete(r.s.fields, c.ID)
	delete(r.s.categories, c.ID)
	return nil
}

// --- events

type memoryEventRepository struct{ s *memoryStore }

func (r *memoryEventRepository) Create(_ context.Context, event *models.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.events {
		if e.PublicID == event.PublicID {
			return gorm.ErrDuplicatedKey
		}
	}
	if _, ok := r.s.users[event.UserID]; !ok {
		return gorm.ErrForeignKeyViolated
	}
	if _, ok := r.s.categories[event.CategoryID]; !ok {
		return gorm.ErrForeignKeyViolated
	}
	stored := *event
	stored.ID = r.s.id()
	stored.Fields = append([]byte(nil), event.Fields...)
	stored.UpdatedAt = time.Now()
	r.s.events[stored.ID] = &stored
	event.ID = stored.ID
	event.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *memoryEventRepository) GetByID(_ context.Context, id uint) (*models.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memoryEventRepository) GetByPublicID(_ context.Context, publicID string) (*models.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.events {
		if e.PublicID == publicID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryEventRepository) ListByCategory(_ context.Context, categoryID uint, offset, limit int) ([]models.Event, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []models.Event
	for _, e := range r.s.events {
		if e.CategoryID == categoryID {
			all = append(all, *e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].ReceivedAt.After(all[j].ReceivedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := int64(len(all))
	if offset >= len(all) {
		return []models.Event{}, total, nil
	}
	end := min(len(all), offset+limit)
	return all[offset:end], total, nil
}

func (r *memoryEventRepository) pending(id uint, fn func(e *models.Event)) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok || e.DeliveryStatus != models.DeliveryPending {
		return false
	}
	fn(e)
	e.UpdatedAt = time.Now()
	return true
}

func (r *memoryEventRepository) RecordAttempt(_ context.Context, id uint, lastError string) error {
	r.pending(id, func(e *models.Event) {
		e.DeliveryAttempts++
		e.LastError = lastError
	})
	return nil
}

func (r *memoryEventRepository) MarkDelivered(_ context.Context, id uint, at time.Time) (bool, error) {
	return r.pending(id, func(e *models.Event) {
		e.DeliveryStatus = models.DeliveryDelivered
		e.DeliveredAt = &at
		e.LastError = ""
	}), nil
}

func (r *memoryEventRepository) MarkFailed(_ context.Context, id uint, reason string) (bool, error) {
	return r.pending(id, func(e *models.Event) {
		e.DeliveryStatus = models.DeliveryFailed
		e.LastError = reason
	}), nil
}

func (r *memoryEventRepository) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]uint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var stale []*models.Event
	for _, e := range r.s.events {
		if e.DeliveryStatus == models.DeliveryPending && e.UpdatedAt.Before(olderThan) {
			stale = append(stale, e)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	ids := make([]uint, 0, min(limit, len(stale)))
	for _, e := range stale {
		if len(ids) == limit {
			break
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (r *memoryEventRepository) Touch(_ context.Context, ids []uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		if e, ok := r.s.events[id]; ok {
			e.UpdatedAt = at
		}
	}
	return nil
}

// --- quota

type memoryQuotaRepository struct{ s *memoryStore }

func (r *memoryQuotaRepository) Reserve(_ context.Context, userID uint, period string, events, categories, maxEvents, maxCategories int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.ledgers[ledgerKey{userID, period}]
	if !ok || l.EventsUsed+events > maxEvents || l.CategoriesUsed+categories > maxCategories {
		return false, nil
	}
	l.EventsUsed += events
	l.CategoriesUsed += categories
	l.UpdatedAt = time.Now()
	return true, nil
}

func (r *memoryQuotaRepository) EnsurePeriod(_ context.Context, userID uint, period string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := ledgerKey{userID, period}
	if _, ok := r.s.ledgers[key]; ok {
		return nil
	}
	if _, ok := r.s.users[userID]; !ok {
		return gorm.ErrForeignKeyViolated
	}
	r.s.ledgers[key] = &models.QuotaLedger{
		ID:             r.s.id(),
		UserID:         userID,
		Period:         period,
		CategoriesUsed: int(r.s.countCategories(userID)),
		UpdatedAt:      time.Now(),
	}
	return nil
}

func (r *memoryQuotaRepository) Get(_ context.Context, userID uint, period string) (*models.QuotaLedger, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.ledgers[ledgerKey{userID, period}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *memoryQuotaRepository) Release(_ context.Context, userID uint, period string, events, categories int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.ledgers[ledgerKey{userID, period}]
	if !ok {
		return nil
	}
	l.EventsUsed = max(0, l.EventsUsed-events)
	l.CategoriesUsed = max(0, l.CategoriesUsed-categories)
	l.UpdatedAt = time.Now()
	return nil
}

// --- webhooks

type memoryWebhookEventRepository struct{ s *memoryStore }

func (r *memoryWebhookEventRepository) CreateIfNotExists(_ context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := webhookKey{event.Provider, event.ProviderEventID}
	if existing, ok := r.s.webhooks[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	stored := *event
	stored.ID = r.s.id()
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.s.webhooks[key] = &stored
	event.ID = stored.ID
	cp := stored
	return true, &cp, nil
}

func (r *memoryWebhookEventRepository) MarkProcessed(_ context.Context, id uint, processingError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, w := range r.s.webhooks {
		if w.ID == id {
			now := time.Now()
			w.ProcessedAt = &now
			w.ProcessingError = processingError
			w.UpdatedAt = now
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}
