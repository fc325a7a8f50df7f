// Package quota enforces per-user monthly event and category allowances.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/entitlements"
	"github.com/procmon/procmon/internal/pkg/metrics"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// Limit names the allowance that was breached.
type Limit string

const (
	LimitEvents     Limit = "events"
	LimitCategories Limit = "categories"
)

// ExceededError reports which allowance rejected a reservation.
type ExceededError struct {
	Limit  Limit
	Used   int
	Max    int
	Period string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s %d/%d in %s", e.Limit, e.Used, e.Max, e.Period)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Reservation is the receipt of a successful TryReserve, needed to release it again.
type Reservation struct {
	UserID      uint
	Period      string
	CategoryNew bool
}

// Usage is a read-only snapshot for the dashboard.
type Usage struct {
	EventsUsed      int       `json:"eventsUsed"`
	EventsLimit     int       `json:"eventsLimit"`
	CategoriesUsed  int       `json:"categoriesUsed"`
	CategoriesLimit int       `json:"categoriesLimit"`
	PeriodResetAt   time.Time `json:"resetDate"`
}

type categoryCounter interface {
	CountByUser(ctx context.Context, userID uint) (int64, error)
}

// Ledger owns the quota_ledgers counters. All increments are conditional writes in storage,
// so any number of processes may reserve concurrently.
type Ledger struct {
	repo       repository.QuotaRepository
	categories categoryCounter
	now        func() time.Time
}

func NewLedger(repo repository.QuotaRepository, categories categoryCounter) *Ledger {
	return &Ledger{repo: repo, categories: categories, now: time.Now}
}

// WithClock replaces the time source; used by tests to cross period boundaries.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// TryReserve charges one event, plus one category when categoryNew, against the current
// period. On rejection nothing is mutated and the error is an *ExceededError.
func (l *Ledger) TryReserve(ctx context.Context, user *models.User, categoryNew bool) (Reservation, error) {
	categories := 0
	if categoryNew {
		categories = 1
	}
	period, err := l.reserve(ctx, user, 1, categories)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{UserID: user.ID, Period: period, CategoryNew: categoryNew}, nil
}

// ChargeCategory takes a category slot without an event, for explicit creation.
func (l *Ledger) ChargeCategory(ctx context.Context, user *models.User) error {
	_, err := l.reserve(ctx, user, 0, 1)
	return err
}

func (l *Ledger) reserve(ctx context.Context, user *models.User, events, categories int) (string, error) {
	limits := entitlements.ForUser(user)
	period := models.PeriodOf(l.now())

	ok, err := l.repo.Reserve(ctx, user.ID, period, events, categories, limits.MaxEvents, limits.MaxCategories)
	if err != nil {
		return "", fmt.Errorf("reserve quota: %w", err)
	}
	if !ok {
		// Either the period row does not exist yet (rollover) or a limit is reached.
		if err := l.repo.EnsurePeriod(ctx, user.ID, period); err != nil {
			return "", fmt.Errorf("open quota period %s: %w", period, err)
		}
		ok, err = l.repo.Reserve(ctx, user.ID, period, events, categories, limits.MaxEvents, limits.MaxCategories)
		if err != nil {
			return "", fmt.Errorf("reserve quota: %w", err)
		}
	}
	if !ok {
		return "", l.exceeded(ctx, user.ID, period, events, categories, limits)
	}
	return period, nil
}

func (l *Ledger) exceeded(ctx context.Context, userID uint, period string, events, categories int, limits entitlements.Limits) error {
	row, err := l.repo.Get(ctx, userID, period)
	if err != nil {
		return fmt.Errorf("read quota period %s: %w", period, err)
	}
	e := &ExceededError{Limit: LimitEvents, Used: row.EventsUsed, Max: limits.MaxEvents, Period: period}
	if row.EventsUsed+events <= limits.MaxEvents && row.CategoriesUsed+categories > limits.MaxCategories {
		e = &ExceededError{Limit: LimitCategories, Used: row.CategoriesUsed, Max: limits.MaxCategories, Period: period}
	}
	metrics.QuotaRejections.WithLabelValues(string(e.Limit)).Inc()
	return e
}

// Release undoes a reservation whose event could not be persisted. Best effort.
func (l *Ledger) Release(ctx context.Context, r Reservation) {
	categories := 0
	if r.CategoryNew {
		categories = 1
	}
	if err := l.repo.Release(ctx, r.UserID, r.Period, 1, categories); err != nil {
		log.Warnf("[Quota] Failed to release reservation for user %d (%s): %v", r.UserID, r.Period, err)
	}
}

// ReleaseCategory frees a category slot in the current period after a deletion.
func (l *Ledger) ReleaseCategory(ctx context.Context, userID uint) error {
	return l.repo.Release(ctx, userID, models.PeriodOf(l.now()), 0, 1)
}

// CurrentUsage reads the current period without creating it.
func (l *Ledger) CurrentUsage(ctx context.Context, user *models.User) (Usage, error) {
	now := l.now()
	limits := entitlements.ForUser(user)
	usage := Usage{
		EventsLimit:     limits.MaxEvents,
		CategoriesLimit: limits.MaxCategories,
		PeriodResetAt:   models.PeriodResetAt(now),
	}

	row, err := l.repo.Get(ctx, user.ID, models.PeriodOf(now))
	switch {
	case err == nil:
		usage.EventsUsed = row.EventsUsed
		usage.CategoriesUsed = row.CategoriesUsed
	case errors.Is(err, gorm.ErrRecordNotFound):
		n, err := l.categories.CountByUser(ctx, user.ID)
		if err != nil {
			return Usage{}, fmt.Errorf("count categories: %w", err)
		}
		usage.CategoriesUsed = int(n)
	default:
		return Usage{}, fmt.Errorf("read usage: %w", err)
	}
	return usage, nil
}
