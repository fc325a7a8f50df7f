package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/procmon/procmon/internal/pkg/category"
	"github.com/procmon/procmon/internal/pkg/quota"
	"github.com/procmon/procmon/internal/pkg/usercontext"
)

type createCategoryRequest struct {
	Name  string  `json:"name" validate:"required"`
	Color *uint32 `json:"color" validate:"omitempty,max=16777215"`
	Emoji string  `json:"emoji" validate:"max=16"`
}

// DashboardController serves usage and category management for the dashboard.
type DashboardController struct {
	ledger     *quota.Ledger
	registry   *category.Registry
	upgradeURL string
}

func NewDashboardController(ledger *quota.Ledger, registry *category.Registry, upgradeURL string) *DashboardController {
	return &DashboardController{ledger: ledger, registry: registry, upgradeURL: upgradeURL}
}

// HandleGetUsage returns the current period's consumption against the plan limits.
func (dc *DashboardController) HandleGetUsage(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)
	usage, err := dc.ledger.CurrentUsage(c.UserContext(), user)
	if err != nil {
		log.Errorf("[Dashboard] Usage for user %d failed: %v", user.ID, err)
		return internalError(c, "Failed to load usage")
	}
	return c.JSON(fiber.Map{
		"plan":            user.Plan,
		"eventsUsed":      usage.EventsUsed,
		"eventsLimit":     usage.EventsLimit,
		"categoriesUsed":  usage.CategoriesUsed,
		"categoriesLimit": usage.CategoriesLimit,
		"resetDate":       usage.PeriodResetAt,
	})
}

func (dc *DashboardController) HandleListCategories(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)
	list, err := dc.registry.List(c.UserContext(), user.ID)
	if err != nil {
		log.Errorf("[Dashboard] Listing categories for user %d failed: %v", user.ID, err)
		return internalError(c, "Failed to load categories")
	}
	return c.JSON(fiber.Map{"categories": list})
}

func (dc *DashboardController) HandleCreateCategory(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)

	var req createCategoryRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be a JSON object")
	}
	if err := validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", validationMessage(err))
	}

	cat, err := dc.registry.Create(c.UserContext(), user, req.Name, req.Color, req.Emoji)
	if err != nil {
		var qe *quota.ExceededError
		switch {
		case errors.As(err, &qe):
			return quotaError(c, qe, dc.upgradeURL)
		case errors.Is(err, category.ErrInvalidName):
			return jsonError(c, fiber.StatusBadRequest, "invalid_category", err.Error())
		case errors.Is(err, category.ErrAlreadyExists):
			return jsonError(c, fiber.StatusConflict, "conflict", "Category already exists")
		}
		log.Errorf("[Dashboard] Creating category for user %d failed: %v", user.ID, err)
		return internalError(c, "Failed to create category")
	}
	return c.Status(fiber.StatusCreated).JSON(cat)
}

func (dc *DashboardController) HandleDeleteCategory(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)
	name := c.Params("name")

	if err := dc.registry.Delete(c.UserContext(), user.ID, name); err != nil {
		if errors.Is(err, category.ErrNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "Category not found")
		}
		log.Errorf("[Dashboard] Deleting category %q for user %d failed: %v", name, user.ID, err)
		return internalError(c, "Failed to delete category")
	}
	return c.JSON(fiber.Map{"success": true})
}

func (dc *DashboardController) HandleListCategoryEvents(c *fiber.Ctx) error {
	user := usercontext.GetUser(c)
	name := c.Params("name")

	page, err := dc.registry.ListEvents(c.UserContext(), user.ID, name,
		c.QueryInt("page", 1), c.QueryInt("limit", category.DefaultPageSize))
	if err != nil {
		if errors.Is(err, category.ErrNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "Category not found")
		}
		log.Errorf("[Dashboard] Listing events of %q for user %d failed: %v", name, user.ID, err)
		return internalError(c, "Failed to load events")
	}
	return c.JSON(page)
}
