/*
Package eligibility decides whether an employee may use a benefit.

PURPOSE:
  A benefit carries zero or more rules. Rules are alternatives: a benefit
  with no rules is open to everyone, otherwise any matching rule grants
  access. Rules may be narrowed to a single offering of the benefit.

SEE ALSO:
  - condition/condition.go: the predicate each rule carries
*/
package eligibility

import (
	"context"
	"fmt"

	"github.com/warp/benefits-engine/condition"
	"go.uber.org/zap"
)

// Rule is one eligibility alternative for a benefit. OfferingID is empty for
// rules that apply to the whole benefit.
type Rule struct {
	ID         string
	TenantID   string
	BenefitID  string
	OfferingID string
	Condition  condition.Condition
}

// IsEligible reports whether the profile satisfies at least one rule.
// No rules means open access.
func IsEligible(p condition.Profile, rules []Rule) bool {
	if len(rules) == 0 {
		return true
	}
	for _, r := range rules {
		if condition.Evaluate(p, r.Condition) {
			return true
		}
	}
	return false
}

// ForOffering returns the rules that govern an offering: benefit-wide rules
// plus rules scoped to that offering. An empty offeringID keeps only
// benefit-wide rules.
func ForOffering(rules []Rule, offeringID string) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.OfferingID == "" || r.OfferingID == offeringID {
			out = append(out, r)
		}
	}
	return out
}

// RuleSource loads the rules of one benefit within one tenant.
type RuleSource interface {
	RulesForBenefit(ctx context.Context, tenantID, benefitID string) ([]Rule, error)
}

// Checker evaluates eligibility against stored rules.
type Checker struct {
	Rules  RuleSource
	Logger *zap.Logger
}

// NewChecker creates a Checker. A nil logger is replaced with a no-op logger.
func NewChecker(rules RuleSource, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{Rules: rules, Logger: logger}
}

// Check loads the tenant's rules for a benefit and evaluates them. Rows that
// belong to another tenant are dropped even if the source returns them.
func (c *Checker) Check(ctx context.Context, tenantID, benefitID, offeringID string, p condition.Profile) (bool, error) {
	rules, err := c.Rules.RulesForBenefit(ctx, tenantID, benefitID)
	if err != nil {
		return false, fmt.Errorf("load eligibility rules: %w", err)
	}

	scoped := rules[:0:0]
	for _, r := range rules {
		if r.TenantID != tenantID {
			c.logger().Warn("dropping foreign-tenant eligibility rule",
				zap.String("rule_id", r.ID),
				zap.String("tenant_id", tenantID),
				zap.String("rule_tenant_id", r.TenantID))
			continue
		}
		scoped = append(scoped, r)
	}

	return IsEligible(p, ForOffering(scoped, offeringID)), nil
}

func (c *Checker) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
