package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/procmon/procmon/internal/pkg/env"
)

func TestLoadDefaults(t *testing.T) {
	env.Env = map[string]string{}
	t.Cleanup(func() { env.Env = nil })

	cfg := Load()

	assert.Equal(t, "localhost:4000", cfg.ListenAddr())
	assert.Equal(t, 5, cfg.DeliveryMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.DeliveryInitialBackoff)
	assert.Equal(t, time.Minute, cfg.DeliveryMaxBackoff)
	assert.Equal(t, 3, cfg.DeliveryWorkers)
	assert.False(t, cfg.DBAutoMigrate)
	assert.Equal(t, "https://discord.com/api/v10", cfg.DiscordAPIBaseURL)
}

func TestLoadOverridesAndFallbacks(t *testing.T) {
	env.Env = map[string]string{
		"APP_PORT":                 "8080",
		"DELIVERY_MAX_ATTEMPTS":    "7",
		"DELIVERY_INITIAL_BACKOFF": "500ms",
		"DELIVERY_WORKERS":         "not-a-number",
		"DELIVERY_MAX_BACKOFF":     "-1s",
		"DB_AUTO_MIGRATE":          "true",
		"PUBLIC_DOMAIN":            "https://procmon.dev/",
	}
	t.Cleanup(func() { env.Env = nil })

	cfg := Load()

	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, 7, cfg.DeliveryMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.DeliveryInitialBackoff)
	assert.Equal(t, 3, cfg.DeliveryWorkers)
	assert.Equal(t, time.Minute, cfg.DeliveryMaxBackoff)
	assert.True(t, cfg.DBAutoMigrate)
	assert.Equal(t, "https://procmon.dev", cfg.PublicDomain)
}

func TestDSNs(t *testing.T) {
	cfg := Config{DBUser: "u", DBPassword: "p", DBHost: "db", DBPort: "3306", DBName: "procmon_db", CacheHost: "cache", CachePort: "6379"}

	assert.Equal(t, "u:p@tcp(db:3306)/procmon_db?charset=utf8mb4&parseTime=True&loc=UTC", cfg.MySQLDSN())
	assert.Equal(t, "mysql://u:p@tcp(db:3306)/procmon_db?multiStatements=true", cfg.MigrateURL())
	assert.Equal(t, "cache:6379", cfg.CacheAddr())
}
