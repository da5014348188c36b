package config

import (
	"fmt"
	"oriel-api/internal/models"
	"oriel-api/internal/pkg/errors"
)

// PlanDefinition is the immutable quota shape of one subscription tier.
// A nil limit means unlimited for that period.
type PlanDefinition struct {
	Plan         models.SubscriptionPlan `json:"plan"`
	DailyLimit   *int                    `json:"daily_limit"`
	MonthlyLimit *int                    `json:"monthly_limit"`
	TotalLimit   *int                    `json:"total_limit"`
}

// Bounded reports whether any limit applies at all.
func (d PlanDefinition) Bounded() bool {
	return d.DailyLimit != nil || d.MonthlyLimit != nil || d.TotalLimit != nil
}

// Exceeded reports whether the given counters have reached any limit.
func (d PlanDefinition) Exceeded(daily, monthly, total int) bool {
	if d.TotalLimit != nil && total >= *d.TotalLimit {
		return true
	}
	if d.MonthlyLimit != nil && monthly >= *d.MonthlyLimit {
		return true
	}
	if d.DailyLimit != nil && daily >= *d.DailyLimit {
		return true
	}
	return false
}

// PlanCatalog is the static lookup from plan id to its quota definition.
type PlanCatalog struct {
	plans map[models.SubscriptionPlan]PlanDefinition
}

// NewPlanCatalog returns the production catalog: an anonymous-friendly free
// tier with a lifetime cap and paid tiers with calendar-period caps.
func NewPlanCatalog() *PlanCatalog {
	catalog, err := NewPlanCatalogFrom([]PlanDefinition{
		{Plan: models.FreePlan, TotalLimit: limit(3)},
		{Plan: models.StarterPlan, DailyLimit: limit(50), MonthlyLimit: limit(1000)},
		{Plan: models.ProPlan, DailyLimit: limit(500), MonthlyLimit: limit(10000)},
		{Plan: models.EnterprisePlan},
	})
	if err != nil {
		// The built-in definitions are compile-time constants.
		panic(err)
	}
	return catalog
}

// NewPlanCatalogFrom validates and indexes a set of plan definitions.
func NewPlanCatalogFrom(defs []PlanDefinition) (*PlanCatalog, error) {
	plans := make(map[models.SubscriptionPlan]PlanDefinition, len(defs))
	for _, def := range defs {
		if def.Plan == "" {
			return nil, errors.Wrap(errors.ErrInvalidInput, "plan definition is missing a plan id")
		}
		if _, ok := plans[def.Plan]; ok {
			return nil, errors.Wrap(errors.ErrAlreadyExists, fmt.Sprintf("duplicate plan definition: %s", def.Plan))
		}
		for _, l := range []*int{def.DailyLimit, def.MonthlyLimit, def.TotalLimit} {
			if l != nil && *l < 0 {
				return nil, errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("plan %s has a negative limit", def.Plan))
			}
		}
		plans[def.Plan] = def
	}
	if _, ok := plans[models.FreePlan]; !ok {
		return nil, errors.Wrap(errors.ErrInvalidInput, "catalog must include the free tier")
	}
	return &PlanCatalog{plans: plans}, nil
}

// GetPlan returns the definition for a plan id, or ErrUnknownPlan for ids
// that were never registered.
func (c *PlanCatalog) GetPlan(plan models.SubscriptionPlan) (PlanDefinition, error) {
	def, ok := c.plans[plan]
	if !ok {
		return PlanDefinition{}, errors.ErrUnknownPlan
	}
	return def, nil
}

func limit(n int) *int {
	return &n
}
