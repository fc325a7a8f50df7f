package router

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/procmon/procmon/app/controllers"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/config"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries everything the routers mount.
type Deps struct {
	Config config.Config
	Users  repository.UserRepository

	Ingest    *controllers.IngestController
	Dashboard *controllers.DashboardController
	Account   *controllers.AccountController
	Billing   *controllers.BillingController
	Identity  *controllers.IdentityWebhookController

	// LimiterStorage backs the ingest rate limiter. nil keeps the counters in memory.
	LimiterStorage fiber.Storage

	// ReadinessChecks are run by /readyz, keyed by dependency name.
	ReadinessChecks map[string]func(ctx context.Context) error
}

func InstallRouter(app *fiber.App, deps Deps) {
	// Ops routes first so /metrics and health checks bypass the API limiter.
	setup(app, NewOpsRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
