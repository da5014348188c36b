package config

import (
	"oriel-api/internal/models"
	apperrors "oriel-api/internal/pkg/errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalog(t *testing.T) {
	catalog := NewPlanCatalog()

	free, err := catalog.GetPlan(models.FreePlan)
	require.NoError(t, err)
	assert.Nil(t, free.DailyLimit)
	assert.Nil(t, free.MonthlyLimit)
	require.NotNil(t, free.TotalLimit)
	assert.Equal(t, 3, *free.TotalLimit)

	starter, err := catalog.GetPlan(models.StarterPlan)
	require.NoError(t, err)
	require.NotNil(t, starter.DailyLimit)
	assert.Equal(t, 50, *starter.DailyLimit)
	require.NotNil(t, starter.MonthlyLimit)
	assert.Equal(t, 1000, *starter.MonthlyLimit)
	assert.Nil(t, starter.TotalLimit)

	pro, err := catalog.GetPlan(models.ProPlan)
	require.NoError(t, err)
	require.NotNil(t, pro.DailyLimit)
	assert.Equal(t, 500, *pro.DailyLimit)
	require.NotNil(t, pro.MonthlyLimit)
	assert.Equal(t, 10000, *pro.MonthlyLimit)

	enterprise, err := catalog.GetPlan(models.EnterprisePlan)
	require.NoError(t, err)
	assert.False(t, enterprise.Bounded())
}

func TestGetPlanUnknown(t *testing.T) {
	catalog := NewPlanCatalog()

	_, err := catalog.GetPlan(models.SubscriptionPlan("GOLD"))
	assert.ErrorIs(t, err, apperrors.ErrUnknownPlan)
}

func TestNewPlanCatalogFromValidation(t *testing.T) {
	free := PlanDefinition{Plan: models.FreePlan, TotalLimit: limit(3)}

	tests := []struct {
		name string
		defs []PlanDefinition
	}{
		{
			name: "missing plan id",
			defs: []PlanDefinition{free, {DailyLimit: limit(10)}},
		},
		{
			name: "duplicate plan",
			defs: []PlanDefinition{free, free},
		},
		{
			name: "negative limit",
			defs: []PlanDefinition{free, {Plan: models.ProPlan, DailyLimit: limit(-1)}},
		},
		{
			name: "free tier required",
			defs: []PlanDefinition{{Plan: models.ProPlan, DailyLimit: limit(500)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanCatalogFrom(tt.defs)
			assert.Error(t, err)
		})
	}
}

func TestPlanDefinitionExceeded(t *testing.T) {
	def := PlanDefinition{
		Plan:         models.StarterPlan,
		DailyLimit:   limit(50),
		MonthlyLimit: limit(1000),
	}

	assert.False(t, def.Exceeded(0, 0, 0))
	assert.False(t, def.Exceeded(49, 999, 5000))
	assert.True(t, def.Exceeded(50, 0, 0))
	assert.True(t, def.Exceeded(0, 1000, 0))

	unlimited := PlanDefinition{Plan: models.EnterprisePlan}
	assert.False(t, unlimited.Exceeded(1000000, 1000000, 1000000))
}
