package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberredis "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/controllers"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/apidocs"
	"github.com/procmon/procmon/internal/pkg/billing"
	"github.com/procmon/procmon/internal/pkg/cache"
	"github.com/procmon/procmon/internal/pkg/category"
	"github.com/procmon/procmon/internal/pkg/config"
	"github.com/procmon/procmon/internal/pkg/database"
	"github.com/procmon/procmon/internal/pkg/delivery"
	"github.com/procmon/procmon/internal/pkg/env"
	"github.com/procmon/procmon/internal/pkg/identity"
	"github.com/procmon/procmon/internal/pkg/ingest"
	"github.com/procmon/procmon/internal/pkg/jobqueue"
	"github.com/procmon/procmon/internal/pkg/quota"
	"github.com/procmon/procmon/internal/pkg/router"
)

const (
	bodyLimit       = 1 << 20 // 1 MiB; the ingest route narrows this further
	shutdownTimeout = 15 * time.Second
)

// Application is the wired HTTP server plus its background workers.
type Application struct {
	App     *fiber.App
	Manager *jobqueue.Manager

	limiterStorage *fiberredis.Storage
}

func main() {
	env.SetupEnvFile()
	cfg := config.Load()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatalf("[Procmon] %v", err)
	}
	rdb := cache.NewClient(cfg)

	application := NewApplication(cfg, db, rdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.Manager.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("[Procmon] Listening on %s", cfg.ListenAddr())
		return application.App.Listen(cfg.ListenAddr())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("[Procmon] Shutting down")
		application.Manager.Stop()
		return application.App.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("[Procmon] Server stopped with error: %v", err)
	}

	if err := application.limiterStorage.Close(); err != nil {
		log.Warnf("[Procmon] Closing limiter storage: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Warnf("[Procmon] Closing redis: %v", err)
	}
	if err := database.Close(db); err != nil {
		log.Warnf("[Procmon] Closing database: %v", err)
	}
}

// NewApplication wires repositories, services, the delivery queue and the router.
func NewApplication(cfg config.Config, db *gorm.DB, rdb *redis.Client) *Application {
	repos := repository.NewFactory(db).GetRepositories()

	// services
	ledger := quota.NewLedger(repos.Quota, repos.Category)
	registry := category.NewRegistry(repos.Category, repos.Event, ledger)

	discord := delivery.NewDiscordClient(cfg.DiscordAPIBaseURL, cfg.DiscordBotToken)
	if !discord.Configured() {
		log.Warn("[Procmon] DISCORD_BOT_TOKEN is empty, deliveries will fail permanently")
	}
	dispatcher := delivery.NewDispatcher(repos.Event, repos.Category, repos.User, discord).WithMaxAttempts(cfg.DeliveryMaxAttempts)

	retry := jobqueue.DefaultRetryPolicy()
	retry.InitialInterval = cfg.DeliveryInitialBackoff
	retry.MaxInterval = cfg.DeliveryMaxBackoff
	queue := jobqueue.NewQueue(rdb, dispatcher, jobqueue.Options{
		Workers:     cfg.DeliveryWorkers,
		MaxAttempts: cfg.DeliveryMaxAttempts,
		Retry:       retry,
	})
	manager := jobqueue.NewManager(queue, repos.Event)

	ingestor := ingest.NewIngestor(ledger, registry, repos.Event, queue)
	identitySvc := identity.NewService(repos.User, repos.WebhookEvent, cfg.ClerkWebhookSecret)
	stripe := billing.NewStripeClient(cfg.StripeSecretKey, cfg.StripePriceID, cfg.StripeAPIBaseURL, cfg.PublicDomain)
	billingSvc := billing.NewService(repos.User, repos.WebhookEvent, stripe, cfg.StripeWebhookSecret)

	upgradeURL := cfg.PublicDomain + "/pricing"
	limiterStorage := newLimiterStorage(cfg)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "Procmon",
		BodyLimit: bodyLimit,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if basePath, err := apidocs.Locate("./", "../../", "../../../"); err != nil {
		log.Warnf("[Procmon] API docs disabled: %v", err)
	} else {
		docPath := filepath.Join(basePath, apidocs.DocPath)
		if _, err := apidocs.Load(context.Background(), docPath); err != nil {
			log.Warnf("[Procmon] %v", err)
		}
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: docPath,
			Path:     "v1",
		}))
	}

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Config:         cfg,
		Users:          repos.User,
		Ingest:         controllers.NewIngestController(ingestor, upgradeURL),
		Dashboard:      controllers.NewDashboardController(ledger, registry, upgradeURL),
		Account:        controllers.NewAccountController(repos.User),
		Billing:        controllers.NewBillingController(billingSvc),
		Identity:       controllers.NewIdentityWebhookController(identitySvc),
		LimiterStorage: limiterStorage,
		ReadinessChecks: map[string]func(context.Context) error{
			"database": func(context.Context) error { return database.Ping(db) },
			"cache":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	return &Application{App: app, Manager: manager, limiterStorage: limiterStorage}
}

// newLimiterStorage shares rate limit counters between instances. Database 1 keeps
// them apart from the delivery queue in database 0.
func newLimiterStorage(cfg config.Config) *fiberredis.Storage {
	port, err := strconv.Atoi(cfg.CachePort)
	if err != nil {
		port = 6379
	}
	return fiberredis.New(fiberredis.Config{
		Host:     cfg.CacheHost,
		Port:     port,
		Password: cfg.CachePassword,
		Database: 1,
		Reset:    false,
	})
}
