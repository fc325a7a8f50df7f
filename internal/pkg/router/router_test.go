package router

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procmon/procmon/app/controllers"
	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
	"github.com/procmon/procmon/internal/pkg/apidocs"
	"github.com/procmon/procmon/internal/pkg/billing"
	"github.com/procmon/procmon/internal/pkg/category"
	"github.com/procmon/procmon/internal/pkg/config"
	"github.com/procmon/procmon/internal/pkg/identity"
	"github.com/procmon/procmon/internal/pkg/ingest"
	"github.com/procmon/procmon/internal/pkg/quota"
)

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, uint) error { return nil }

func testDeps(t *testing.T, cfg config.Config) (Deps, string) {
	t.Helper()
	repos := repository.NewMemoryRepositories()
	u, key, err := models.NewUser("user_router", "router@example.com", time.Now())
	require.NoError(t, err)
	_, err = repos.User.Upsert(context.Background(), u)
	require.NoError(t, err)

	ledger := quota.NewLedger(repos.Quota, repos.Category)
	registry := category.NewRegistry(repos.Category, repos.Event, ledger)
	upgradeURL := cfg.PublicDomain + "/pricing"
	clerkSecret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("router-key"))

	return Deps{
		Config:    cfg,
		Users:     repos.User,
		Ingest:    controllers.NewIngestController(ingest.NewIngestor(ledger, registry, repos.Event, nopQueue{}), upgradeURL),
		Dashboard: controllers.NewDashboardController(ledger, registry, upgradeURL),
		Account:   controllers.NewAccountController(repos.User),
		Billing: controllers.NewBillingController(billing.NewService(repos.User, repos.WebhookEvent,
			billing.NewStripeClient("", "", "", cfg.PublicDomain), "whsec_stripe")),
		Identity: controllers.NewIdentityWebhookController(identity.NewService(repos.User, repos.WebhookEvent, clerkSecret)),
	}, key
}

func testConfig() config.Config {
	return config.Config{
		PublicDomain:             "http://localhost:3000",
		DashboardServiceToken:    "svc",
		MetricsUser:              "admin",
		MetricsPassword:          "secret",
		IngestRateLimitPerMinute: 600,
	}
}

func newApp(deps Deps) *fiber.App {
	app := fiber.New()
	InstallRouter(app, deps)
	return app
}

func send(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestHealthAndReadiness(t *testing.T) {
	deps, _ := testDeps(t, testConfig())
	deps.ReadinessChecks = map[string]func(context.Context) error{
		"database": func(context.Context) error { return nil },
	}
	app := newApp(deps)

	status, body := send(t, app, "GET", "/healthz", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	status, body = send(t, app, "GET", "/readyz", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"status":"ready","checks":{"database":"ok"}}`, body)

	deps.ReadinessChecks["cache"] = func(context.Context) error { return errors.New("connection refused") }
	app = newApp(deps)
	status, body = send(t, app, "GET", "/readyz", "", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Contains(t, body, "connection refused")
}

func TestMetricsRequireBasicAuth(t *testing.T) {
	deps, _ := testDeps(t, testConfig())
	app := newApp(deps)

	status, _ := send(t, app, "GET", "/metrics/prometheus", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	status, body := send(t, app, "GET", "/metrics/prometheus", "", map[string]string{"Authorization": auth})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsDisabledWithoutPassword(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsPassword = ""
	deps, _ := testDeps(t, cfg)
	app := newApp(deps)

	status, _ := send(t, app, "GET", "/metrics/prometheus", "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestIngestRouteLimits(t *testing.T) {
	cfg := testConfig()
	cfg.IngestRateLimitPerMinute = 2
	deps, key := testDeps(t, cfg)
	app := newApp(deps)
	auth := map[string]string{"Authorization": "Bearer " + key}

	big := `{"category":"sale","fields":{"blob":"` + strings.Repeat("x", MaxIngestBodyBytes) + `"}}`
	status, body := send(t, app, "POST", "/api/v1/events", big, auth)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, status)
	assert.Contains(t, body, "payload_too_large")

	for i := 0; i < 2; i++ {
		status, body = send(t, app, "POST", "/api/v1/events", `{"category":"sale","fields":{"n":`+strconv.Itoa(i)+`}}`, auth)
		require.Equal(t, fiber.StatusAccepted, status, body)
	}
	status, body = send(t, app, "POST", "/api/v1/events", `{"category":"sale","fields":{}}`, auth)
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.Contains(t, body, "rate_limited")
}

func TestIngestLimiterWithRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.IngestRateLimitPerMinute = 1
	deps, key := testDeps(t, cfg)
	deps.LimiterStorage = redis.New(redis.Config{Host: mr.Host(), Port: port})
	app := newApp(deps)
	auth := map[string]string{"X-API-Key": key}

	status, _ := send(t, app, "POST", "/api/v1/events", `{"category":"sale","fields":{}}`, auth)
	require.Equal(t, fiber.StatusAccepted, status)
	status, _ = send(t, app, "POST", "/api/v1/events", `{"category":"sale","fields":{}}`, auth)
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.NotEmpty(t, mr.Keys())
}

func TestDashboardRoutesAreProtected(t *testing.T) {
	deps, key := testDeps(t, testConfig())
	app := newApp(deps)

	status, _ := send(t, app, "GET", "/api/v1/dashboard/usage", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = send(t, app, "GET", "/api/v1/dashboard/usage", "", map[string]string{
		"X-Dashboard-Token":  "svc",
		"X-External-User-ID": "user_router",
	})
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = send(t, app, "GET", "/api/v1/dashboard/account", "", map[string]string{"Authorization": "Bearer " + key})
	assert.Equal(t, fiber.StatusOK, status)

	// Stripe is unconfigured in this setup.
	status, body := send(t, app, "POST", "/api/v1/dashboard/checkout", "", map[string]string{"Authorization": "Bearer " + key})
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Contains(t, body, "billing_unavailable")
}

func TestWebhookRoutesRejectUnsigned(t *testing.T) {
	deps, _ := testDeps(t, testConfig())
	app := newApp(deps)

	status, _ := send(t, app, "POST", "/api/webhooks/clerk", `{"type":"user.created"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = send(t, app, "POST", "/api/webhooks/stripe", `{"id":"evt_1","type":"x"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestResponsesMatchOpenAPI(t *testing.T) {
	base, err := apidocs.Locate("../../../")
	require.NoError(t, err)
	doc, err := apidocs.Load(context.Background(), filepath.Join(base, apidocs.DocPath))
	require.NoError(t, err)
	validator, err := apidocs.NewValidator(doc)
	require.NoError(t, err)

	deps, key := testDeps(t, testConfig())
	app := newApp(deps)
	auth := map[string]string{"Authorization": "Bearer " + key}

	calls := []struct {
		method, path, body string
		status             int
	}{
		{"POST", "/api/v1/events", `{"category":"sale","fields":{"amount":49,"vip":true,"note":null}}`, fiber.StatusAccepted},
		{"GET", "/api/v1/dashboard/usage", "", fiber.StatusOK},
		{"GET", "/api/v1/dashboard/categories", "", fiber.StatusOK},
		{"GET", "/api/v1/dashboard/categories/sale/events?page=1&limit=5", "", fiber.StatusOK},
		{"GET", "/api/v1/dashboard/account", "", fiber.StatusOK},
		{"POST", "/api/v1/dashboard/api-key", "", fiber.StatusCreated},
	}
	for _, call := range calls {
		status, body := send(t, app, call.method, call.path, call.body, auth)
		require.Equal(t, call.status, status, "%s %s: %s", call.method, call.path, body)

		req := httptest.NewRequest(call.method, call.path, strings.NewReader(call.body))
		req.Header.Set("Content-Type", "application/json")
		header := http.Header{"Content-Type": []string{"application/json"}}
		assert.NoError(t, validator.Validate(context.Background(), req, status, header, []byte(body)), "%s %s", call.method, call.path)
	}
}
