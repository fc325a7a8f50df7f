package entitlements

import (
	"strings"

	"github.com/procmon/procmon/app/models"
)

type Plan string

const (
	PlanFree Plan = models.PLAN_FREE
	PlanPro  Plan = models.PLAN_PRO
)

// Limits are the per-period allowances of a plan.
type Limits struct {
	MaxEvents     int
	MaxCategories int
}

var planLimits = map[Plan]Limits{
	PlanFree: {MaxEvents: 100, MaxCategories: 3},
	PlanPro:  {MaxEvents: 10000, MaxCategories: 10},
}

// Normalize maps arbitrary input onto a known plan, defaulting to FREE.
func Normalize(plan string) Plan {
	switch Plan(strings.ToUpper(strings.TrimSpace(plan))) {
	case PlanPro:
		return PlanPro
	default:
		return PlanFree
	}
}

// ForPlan returns the default limits of a plan.
func ForPlan(plan string) Limits {
	return planLimits[Normalize(plan)]
}

// ForUser returns the effective limits for u. A positive QuotaLimit overrides the event allowance.
func ForUser(u *models.User) Limits {
	if u == nil {
		return planLimits[PlanFree]
	}
	l := ForPlan(u.Plan)
	if u.QuotaLimit > 0 {
		l.MaxEvents = u.QuotaLimit
	}
	return l
}
