package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Repositories bundles every repository over one database handle.
type Repositories struct {
	User         UserRepository
	Category     CategoryRepository
	Event        EventRepository
	Quota        QuotaRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates all repositories for db.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Category:     NewCategoryRepository(db),
		Event:        NewEventRepository(db),
		Quota:        NewQuotaRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}

// Factory lazily builds the repository set for an injected handle.
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// GetRepositories returns the shared repository set
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

func (f *Factory) GetUserRepository() UserRepository {
	return f.GetRepositories().User
}

func (f *Factory) GetCategoryRepository() CategoryRepository {
	return f.GetRepositories().Category
}

func (f *Factory) GetEventRepository() EventRepository {
	return f.GetRepositories().Event
}

func (f *Factory) GetQuotaRepository() QuotaRepository {
	return f.GetRepositories().Quota
}

func (f *Factory) GetWebhookEventRepository() WebhookEventRepository {
	return f.GetRepositories().WebhookEvent
}
