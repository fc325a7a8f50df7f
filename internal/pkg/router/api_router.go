package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/procmon/procmon/internal/pkg/middleware"
	"github.com/procmon/procmon/internal/pkg/usercontext"
)

// MaxIngestBodyBytes caps a single event submission.
const MaxIngestBodyBytes = 64 * 1024

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	d := h.deps

	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from procmon api",
		})
	})

	v1 := api.Group("/v1")
	v1.Post("/events",
		middleware.BodyLimit(MaxIngestBodyBytes),
		middleware.APIKeyAuthMiddleware(d.Users),
		h.ingestLimiter(),
		d.Ingest.HandleIngestEvent,
	)

	dash := v1.Group("/dashboard", middleware.DashboardAuthMiddleware(d.Users, d.Config.DashboardServiceToken))
	dash.Get("/usage", d.Dashboard.HandleGetUsage)
	dash.Get("/categories", d.Dashboard.HandleListCategories)
	dash.Post("/categories", d.Dashboard.HandleCreateCategory)
	dash.Delete("/categories/:name", d.Dashboard.HandleDeleteCategory)
	dash.Get("/categories/:name/events", d.Dashboard.HandleListCategoryEvents)
	dash.Get("/account", d.Account.HandleGetAccount)
	dash.Post("/discord", d.Account.HandleSetDiscordID)
	dash.Post("/api-key", d.Account.HandleRotateAPIKey)
	dash.Post("/checkout", d.Billing.HandleCreateCheckout)

	hooks := api.Group("/webhooks")
	hooks.Post("/clerk", d.Identity.HandleClerkWebhook)
	hooks.Post("/stripe", d.Billing.HandleStripeWebhook)
}

// ingestLimiter throttles per authenticated user, so it must run after APIKeyAuthMiddleware.
func (h ApiRouter) ingestLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        h.deps.Config.IngestRateLimitPerMinute,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ingest:" + strconv.FormatUint(uint64(usercontext.GetUserID(c)), 10)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests, slow down",
			})
		},
		Storage: h.deps.LimiterStorage,
	})
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
