package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/procmon/procmon/internal/pkg/metrics"
)

const readinessTimeout = 2 * time.Second

// OpsRouter mounts health checks and metrics.
type OpsRouter struct {
	deps Deps
}

func (o OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/readyz", o.handleReady)

	cfg := o.deps.Config
	if cfg.MetricsPassword == "" {
		log.Warn("[Router] METRICS_PASSWORD is empty, /metrics is disabled")
		return
	}
	auth := basicauth.New(basicauth.Config{
		Users: map[string]string{
			cfg.MetricsUser: cfg.MetricsPassword,
		},
	})
	app.Get("/metrics/prometheus", auth, adaptor.HTTPHandler(metrics.Handler()))
	app.Get("/metrics", auth, monitor.New())
}

func (o OpsRouter) handleReady(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
	defer cancel()

	checks := fiber.Map{}
	ready := true
	for name, check := range o.deps.ReadinessChecks {
		if err := check(ctx); err != nil {
			log.Warnf("[Router] Readiness check %s failed: %v", name, err)
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "checks": checks})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": checks})
}

func NewOpsRouter(deps Deps) *OpsRouter {
	return &OpsRouter{deps: deps}
}
