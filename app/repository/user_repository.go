package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/procmon/procmon/app/models"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("external_id = ?", strings.TrimSpace(externalID)).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByAPIKeyHash resolves an API key hash to its user.
func (r *userRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	if err := r.db.WithContext(ctx).Where("api_key_hash = ? AND api_key_hash <> ''", trimmed).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Upsert is keyed by external_id and never by the auto-increment id. On MySQL
// RowsAffected is 1 for an insert and 2 (or 0 when unchanged) for the update branch.
func (r *userRepository) Upsert(ctx context.Context, user *models.User) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
	}).Create(user)
	if tx.Error != nil {
		return false, tx.Error
	}
	created := tx.RowsAffected == 1

	var stored models.User
	if err := r.db.WithContext(ctx).Where("external_id = ?", user.ExternalID).First(&stored).Error; err != nil {
		return false, err
	}
	*user = stored
	return created, nil
}

func (r *userRepository) SetDiscordID(ctx context.Context, id uint, discordID *string) error {
	return r.updateColumns(ctx, id, map[string]interface{}{"discord_id": discordID})
}

func (r *userRepository) SetAPIKey(ctx context.Context, id uint, hash, prefix string, createdAt time.Time) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"api_key_hash":         hash,
		"api_key_prefix":       prefix,
		"api_key_created_at":   createdAt,
		"api_key_last_used_at": nil,
	})
}

func (r *userRepository) TouchAPIKeyUsage(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).
		UpdateColumn("api_key_last_used_at", at).Error
}

func (r *userRepository) SetStripeCustomerID(ctx context.Context, id uint, customerID string) error {
	return r.updateColumns(ctx, id, map[string]interface{}{"stripe_customer_id": customerID})
}

func (r *userRepository) ActivatePlan(ctx context.Context, id uint, plan string, quotaLimit int) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"plan":        plan,
		"quota_limit": quotaLimit,
	})
}

func (r *userRepository) updateColumns(ctx context.Context, id uint, updates map[string]interface{}) error {
	tx := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

// DeleteByExternalID removes the user and everything hanging off it in one transaction.
func (r *userRepository) DeleteByExternalID(ctx context.Context, externalID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_id = ?", strings.TrimSpace(externalID)).First(&user).Error; err != nil {
			return err
		}

		categoryIDs := tx.Model(&models.EventCategory{}).Select("id").Where("user_id = ?", user.ID)
		if err := tx.Where("category_id IN (?)", categoryIDs).Delete(&models.CategoryField{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.Event{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.EventCategory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.QuotaLedger{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.User{}, user.ID).Error
	})
}
