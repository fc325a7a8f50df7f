package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/procmon/procmon/internal/pkg/env"
)

// Config is the typed view of the process environment.
type Config struct {
	AppHost      string
	AppPort      string
	AppEnv       string
	PublicDomain string

	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBAutoMigrate bool

	CacheHost     string
	CachePort     string
	CachePassword string

	ClerkWebhookSecret    string
	DashboardServiceToken string

	DiscordBotToken   string
	DiscordAPIBaseURL string

	StripeSecretKey     string
	StripePriceID       string
	StripeWebhookSecret string
	StripeAPIBaseURL    string

	MetricsUser     string
	MetricsPassword string

	DeliveryWorkers        int
	DeliveryMaxAttempts    int
	DeliveryInitialBackoff time.Duration
	DeliveryMaxBackoff     time.Duration

	IngestRateLimitPerMinute int
}

// Load assembles a Config from env.GetEnv. Call env.SetupEnvFile first.
func Load() Config {
	return Config{
		AppHost:      env.GetEnv("APP_HOST", "localhost"),
		AppPort:      env.GetEnv("APP_PORT", "4000"),
		AppEnv:       env.GetEnv("APP_ENV", "prod"),
		PublicDomain: strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:3000"), "/"),

		DBHost:        env.GetEnv("DB_HOST", "127.0.0.1"),
		DBPort:        env.GetEnv("DB_PORT", "3306"),
		DBUser:        env.GetEnv("DB_USER", "procmon"),
		DBPassword:    env.GetEnv("DB_PASSWORD", ""),
		DBName:        env.GetEnv("DB_NAME", "procmon_db"),
		DBAutoMigrate: getBool("DB_AUTO_MIGRATE", false),

		CacheHost:     env.GetEnv("CACHE_HOST", "localhost"),
		CachePort:     env.GetEnv("CACHE_PORT", "6379"),
		CachePassword: env.GetEnv("CACHE_PASSWORD", ""),

		ClerkWebhookSecret:    env.GetEnv("CLERK_WEBHOOK_SECRET", ""),
		DashboardServiceToken: env.GetEnv("DASHBOARD_SERVICE_TOKEN", ""),

		DiscordBotToken:   env.GetEnv("DISCORD_BOT_TOKEN", ""),
		DiscordAPIBaseURL: env.GetEnv("DISCORD_API_BASE_URL", "https://discord.com/api/v10"),

		StripeSecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
		StripePriceID:       env.GetEnv("STRIPE_PRICE_ID", ""),
		StripeWebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeAPIBaseURL:    env.GetEnv("STRIPE_API_BASE_URL", "https://api.stripe.com/v1"),

		MetricsUser:     env.GetEnv("METRICS_USER", "admin"),
		MetricsPassword: env.GetEnv("METRICS_PASSWORD", ""),

		DeliveryWorkers:        getInt("DELIVERY_WORKERS", 3),
		DeliveryMaxAttempts:    getInt("DELIVERY_MAX_ATTEMPTS", 5),
		DeliveryInitialBackoff: getDuration("DELIVERY_INITIAL_BACKOFF", 2*time.Second),
		DeliveryMaxBackoff:     getDuration("DELIVERY_MAX_BACKOFF", time.Minute),

		IngestRateLimitPerMinute: getInt("INGEST_RATE_LIMIT_PER_MINUTE", 600),
	}
}

// ListenAddr is the host:port the HTTP server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.AppHost, c.AppPort)
}

// MySQLDSN is the go-sql-driver DSN used by gorm.
func (c Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL is the golang-migrate database URL.
func (c Config) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// CacheAddr is the Redis address.
func (c Config) CacheAddr() string {
	return fmt.Sprintf("%s:%s", c.CacheHost, c.CachePort)
}

func (c Config) IsDev() bool {
	return c.AppEnv == "dev"
}

func getInt(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		log.Warnf("[Config] Invalid %s=%q, using default %d", key, raw, def)
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		log.Warnf("[Config] Invalid %s=%q, using default %s", key, raw, def)
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		log.Warnf("[Config] Invalid %s=%q, using default %t", key, raw, def)
		return def
	}
	return b
}
