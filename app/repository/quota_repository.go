package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/procmon/procmon/app/models"
)

type quotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a new quota ledger repository instance
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &quotaRepository{db: db}
}

// Reserve is a single conditional UPDATE; the row lock taken by InnoDB serialises
// concurrent reservations for the same (user, period).
func (r *quotaRepository) Reserve(ctx context.Context, userID uint, period string, events, categories, maxEvents, maxCategories int) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.QuotaLedger{}).
		Where("user_id = ? AND period = ? AND events_used + ? <= ? AND categories_used + ? <= ?",
			userID, period, events, maxEvents, categories, maxCategories).
		Updates(map[string]interface{}{
			"events_used":     gorm.Expr("events_used + ?", events),
			"categories_used": gorm.Expr("categories_used + ?", categories),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *quotaRepository) EnsurePeriod(ctx context.Context, userID uint, period string) error {
	var categories int64
	if err := r.db.WithContext(ctx).Model(&models.EventCategory{}).Where("user_id = ?", userID).
		Count(&categories).Error; err != nil {
		return err
	}
	row := models.QuotaLedger{UserID: userID, Period: period, CategoriesUsed: int(categories)}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "period"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (r *quotaRepository) Get(ctx context.Context, userID uint, period string) (*models.QuotaLedger, error) {
	var l models.QuotaLedger
	if err := r.db.WithContext(ctx).Where("user_id = ? AND period = ?", userID, period).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *quotaRepository) Release(ctx context.Context, userID uint, period string, events, categories int) error {
	return r.db.WithContext(ctx).Model(&models.QuotaLedger{}).
		Where("user_id = ? AND period = ?", userID, period).
		Updates(map[string]interface{}{
			"events_used":     gorm.Expr("GREATEST(events_used - ?, 0)", events),
			"categories_used": gorm.Expr("GREATEST(categories_used - ?, 0)", categories),
		}).Error
}
