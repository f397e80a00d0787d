package eligibility_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/condition"
	"github.com/warp/benefits-engine/eligibility"
	"go.uber.org/zap/zaptest"
)

type mockRuleSource struct {
	mock.Mock
}

func (m *mockRuleSource) RulesForBenefit(ctx context.Context, tenantID, benefitID string) ([]eligibility.Rule, error) {
	args := m.Called(ctx, tenantID, benefitID)
	rules, _ := args.Get(0).([]eligibility.Rule)
	return rules, args.Error(1)
}

var senior = condition.Profile{Grade: "senior", TenureMonths: 36, Location: "Moscow"}

func TestIsEligible_NoRulesIsOpen(t *testing.T) {
	assert.True(t, eligibility.IsEligible(senior, nil))
	assert.True(t, eligibility.IsEligible(condition.Profile{}, []eligibility.Rule{}))
}

func TestIsEligible_AnyRuleGrantsAccess(t *testing.T) {
	rules := []eligibility.Rule{
		{ID: "r1", Condition: condition.Flat{"grade": []any{"junior"}}},
		{ID: "r2", Condition: condition.Flat{"location": "Moscow"}},
	}
	assert.True(t, eligibility.IsEligible(senior, rules))

	rules[1].Condition = condition.Flat{"location": "Kazan"}
	assert.False(t, eligibility.IsEligible(senior, rules))
}

func TestIsEligible_MalformedRuleDoesNotBlockOthers(t *testing.T) {
	rules := []eligibility.Rule{
		{ID: "bad", Condition: condition.Malformed{Reason: "broken"}},
		{ID: "open", Condition: nil},
	}
	assert.True(t, eligibility.IsEligible(senior, rules))
}

func TestForOffering(t *testing.T) {
	rules := []eligibility.Rule{
		{ID: "wide"},
		{ID: "gym", OfferingID: "off-gym"},
		{ID: "pool", OfferingID: "off-pool"},
	}

	ids := func(rs []eligibility.Rule) []string {
		out := []string{}
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"wide", "gym"}, ids(eligibility.ForOffering(rules, "off-gym")))
	assert.Equal(t, []string{"wide"}, ids(eligibility.ForOffering(rules, "")))
}

func TestChecker_DropsForeignTenantRules(t *testing.T) {
	// GIVEN: the source leaks a rule of tenant-b that would admit the employee
	// WHEN: checking for tenant-a
	// THEN: only tenant-a's rule counts, and it does not match

	src := &mockRuleSource{}
	src.On("RulesForBenefit", mock.Anything, "tenant-a", "dms").Return([]eligibility.Rule{
		{ID: "a1", TenantID: "tenant-a", BenefitID: "dms", Condition: condition.Flat{"grade": "lead"}},
		{ID: "b1", TenantID: "tenant-b", BenefitID: "dms", Condition: nil},
	}, nil)

	checker := eligibility.NewChecker(src, zaptest.NewLogger(t))
	ok, err := checker.Check(context.Background(), "tenant-a", "dms", "", senior)

	require.NoError(t, err)
	assert.False(t, ok)
	src.AssertExpectations(t)
}

func TestChecker_PropagatesSourceError(t *testing.T) {
	src := &mockRuleSource{}
	src.On("RulesForBenefit", mock.Anything, "tenant-a", "dms").Return(nil, errors.New("db down"))

	checker := eligibility.NewChecker(src, nil)
	_, err := checker.Check(context.Background(), "tenant-a", "dms", "", senior)

	assert.ErrorContains(t, err, "db down")
}
