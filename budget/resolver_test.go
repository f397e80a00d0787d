package budget_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/budget"
	"github.com/warp/benefits-engine/condition"
)

func TestResolve_PicksLargestMatchingActivePolicy(t *testing.T) {
	// GIVEN: a base policy for everyone, a richer one for seniors and an
	//        even richer inactive one
	// WHEN: resolving for a senior
	// THEN: the active senior policy wins

	policies := []budget.Policy{
		{ID: "base", IsActive: true, PointsAmount: 1000},
		{ID: "senior", IsActive: true, PointsAmount: 3000, TargetFilter: condition.Flat{"grade": []any{"senior"}}},
		{ID: "retired", IsActive: false, PointsAmount: 9000},
	}

	got, ok := budget.Resolve(condition.Profile{Grade: "senior"}, policies)
	require.True(t, ok)
	assert.Equal(t, "senior", got.ID)

	got, ok = budget.Resolve(condition.Profile{Grade: "junior"}, policies)
	require.True(t, ok)
	assert.Equal(t, "base", got.ID)
}

func TestResolve_TieGoesToFirst(t *testing.T) {
	policies := []budget.Policy{
		{ID: "first", IsActive: true, PointsAmount: 500},
		{ID: "second", IsActive: true, PointsAmount: 500},
	}

	got, ok := budget.Resolve(condition.Profile{}, policies)
	require.True(t, ok)
	assert.Equal(t, "first", got.ID)
}

func TestResolve_NoneApplies(t *testing.T) {
	policies := []budget.Policy{
		{ID: "moscow", IsActive: true, PointsAmount: 500, TargetFilter: condition.Flat{"location": "Moscow"}},
	}

	_, ok := budget.Resolve(condition.Profile{Location: "Kazan"}, policies)
	assert.False(t, ok)

	_, ok = budget.Resolve(condition.Profile{}, nil)
	assert.False(t, ok)
}

func TestActive(t *testing.T) {
	policies := []budget.Policy{
		{ID: "a", IsActive: true},
		{ID: "b"},
		{ID: "c", IsActive: true},
	}

	active := budget.Active(policies)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
}
