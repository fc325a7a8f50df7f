package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/internal/pkg/env"
)

// openTestDB connects to the MySQL instance from the environment and skips the test when none answers.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := env.GetEnv("TEST_MYSQL_DSN", "")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			env.GetEnv("DB_USER", "procmon"),
			env.GetEnv("DB_PASSWORD", "procmon"),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "3306"),
			env.GetEnv("DB_NAME", "procmon_test"))
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	if err != nil {
		t.Skipf("Skipping MySQL-dependent test: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Skipf("Skipping MySQL-dependent test: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		t.Skipf("Skipping MySQL-dependent test: no reachable MySQL (%v)", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.EventCategory{},
		&models.CategoryField{},
		&models.Event{},
		&models.QuotaLedger{},
		&models.WebhookEvent{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func createTestUser(t *testing.T, repos *Repositories) *models.User {
	t.Helper()

	u, _, err := models.NewUser("user_"+uuid.NewString(), "test@example.com", time.Now())
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if _, err := repos.User.Upsert(context.Background(), u); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	t.Cleanup(func() {
		_ = repos.User.DeleteByExternalID(context.Background(), u.ExternalID)
	})
	return u
}
