package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/procmon/procmon/app/models"
)

type categoryRepository struct {
	db *gorm.DB
}

// NewCategoryRepository creates a new category repository instance
func NewCategoryRepository(db *gorm.DB) CategoryRepository {
	return &categoryRepository{db: db}
}

func (r *categoryRepository) GetByName(ctx context.Context, userID uint, name string) (*models.EventCategory, error) {
	var c models.EventCategory
	if err := r.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *categoryRepository) GetByID(ctx context.Context, id uint) (*models.EventCategory, error) {
	var c models.EventCategory
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateIfNotExists relies on ux_event_categories_user_name. Losing the race is not an error:
// the winner's row is loaded into category either way.
func (r *categoryRepository) CreateIfNotExists(ctx context.Context, category *models.EventCategory) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "name"}},
		DoNothing: true,
	}).Create(category)
	if tx.Error != nil {
		return false, tx.Error
	}
	created := tx.RowsAffected > 0

	var stored models.EventCategory
	if err := r.db.WithContext(ctx).Where("user_id = ? AND name = ?", category.UserID, category.Name).
		First(&stored).Error; err != nil {
		return false, err
	}
	*category = stored
	return created, nil
}

func (r *categoryRepository) ListByUser(ctx context.Context, userID uint) ([]models.EventCategory, error) {
	var categories []models.EventCategory
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("updated_at DESC").Order("id DESC").Find(&categories).Error
	return categories, err
}

func (r *categoryRepository) CountByUser(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.EventCategory{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// RecordEvent folds one event into the category aggregates. Field names beyond fieldCap are
// dropped, and unique_field_count never exceeds fieldCap even when concurrent inserts overshoot.
func (r *categoryRepository) RecordEvent(ctx context.Context, categoryID uint, period string, at time.Time, fieldNames []string, fieldCap int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(fieldNames) > 0 {
			if err := insertFieldNames(tx, categoryID, fieldNames, fieldCap); err != nil {
				return err
			}
		}

		res := tx.Exec(`UPDATE event_categories SET
				events_count = CASE WHEN events_period = ? THEN events_count + 1 ELSE 1 END,
				events_period = ?,
				last_ping_at = CASE WHEN last_ping_at IS NULL OR last_ping_at < ? THEN ? ELSE last_ping_at END,
				unique_field_count = LEAST(?, (SELECT COUNT(*) FROM category_fields WHERE category_id = ?)),
				updated_at = ?
			WHERE id = ?`,
			period, period, at, at, fieldCap, categoryID, time.Now(), categoryID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func insertFieldNames(tx *gorm.DB, categoryID uint, fieldNames []string, fieldCap int) error {
	var tracked int64
	if err := tx.Model(&models.CategoryField{}).Where("category_id = ?", categoryID).Count(&tracked).Error; err != nil {
		return err
	}
	room := fieldCap - int(tracked)
	if room <= 0 {
		return nil
	}

	var known []string
	if err := tx.Model(&models.CategoryField{}).
		Where("category_id = ? AND name IN ?", categoryID, fieldNames).
		Pluck("name", &known).Error; err != nil {
		return err
	}
	skip := make(map[string]struct{}, len(known))
	for _, n := range known {
		skip[n] = struct{}{}
	}

	rows := make([]models.CategoryField, 0, min(room, len(fieldNames)))
	for _, name := range fieldNames {
		if len(rows) == room {
			break
		}
		if _, ok := skip[name]; ok {
			continue
		}
		skip[name] = struct{}{}
		rows = append(rows, models.CategoryField{CategoryID: categoryID, Name: name})
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category_id"}, {Name: "name"}},
		DoNothing: true,
	}).Create(&rows).Error
}

func (r *categoryRepository) DeleteByName(ctx context.Context, userID uint, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.EventCategory
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND name = ?", userID, name).First(&c).Error; err != nil {
			return err
		}
		if err := tx.Where("category_id = ?", c.ID).Delete(&models.Event{}).Error; err != nil {
			return err
		}
		if err := tx.Where("category_id = ?", c.ID).Delete(&models.CategoryField{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.EventCategory{}, c.ID).Error
	})
}
