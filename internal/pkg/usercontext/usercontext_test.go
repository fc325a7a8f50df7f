package usercontext

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procmon/procmon/app/models"
)

func TestGetUserContextAnonymous(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		assert.False(t, IsLoggedIn(c))
		assert.Equal(t, uint(0), GetUserID(c))
		assert.Nil(t, GetUser(c))
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestSetUserContext(t *testing.T) {
	user := &models.User{ID: 42, ExternalID: "user_42", Plan: models.PLAN_PRO}

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		Set(c, user, AuthMethodAPIKey)
		return c.Next()
	}, func(c *fiber.Ctx) error {
		uc := GetUserContext(c)
		return c.JSON(uc)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"user_id":42,"external_id":"user_42","is_logged_in":true,"plan":"PRO","auth_method":"api_key"}`, string(body))
}
