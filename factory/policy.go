/*
Package factory converts JSON definitions into budget policies and
eligibility rules.

PURPOSE:
  Policies and rules are authored as JSON (admin API, seed files, database
  rows). The factory validates them, fills defaults and produces the Go
  structs the engine evaluates. Conditions are parsed once here; the
  evaluator never sees raw JSON.

JSON SCHEMA:
  Budget policy:
  {
    "id": "pol_senior",                 (optional, generated when empty)
    "tenant_id": "acme",
    "name": "Senior budget",
    "is_active": true,                  (optional, default true)
    "target_filter": {"grade": ["senior", "lead"], "min_tenure": 12},
    "points_amount": 3000
  }

  Eligibility rule:
  {
    "id": "rul_dms",
    "tenant_id": "acme",
    "benefit_id": "dms",
    "offering_id": "dms-family",        (optional)
    "conditions": {"match_all": [{"field": "grade", "operator": "in", "value": ["senior"]}]}
  }

SEE ALSO:
  - condition/parse.go: condition shapes
  - api/handlers.go: admin endpoints that use the factory
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/benefits-engine/budget"
	"github.com/warp/benefits-engine/condition"
	"github.com/warp/benefits-engine/eligibility"
	"github.com/warp/benefits-engine/ids"
)

// ErrInvalidDefinition is returned for JSON that does not describe a valid
// policy or rule.
var ErrInvalidDefinition = errors.New("invalid definition")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a budget policy.
type PolicyJSON struct {
	ID           string          `json:"id,omitempty"`
	TenantID     string          `json:"tenant_id"`
	Name         string          `json:"name"`
	IsActive     *bool           `json:"is_active,omitempty"`
	TargetFilter json.RawMessage `json:"target_filter,omitempty"`
	PointsAmount int64           `json:"points_amount"`
	CreatedAt    *time.Time      `json:"created_at,omitempty"`
}

// RuleJSON is the JSON representation of an eligibility rule.
type RuleJSON struct {
	ID         string          `json:"id,omitempty"`
	TenantID   string          `json:"tenant_id"`
	BenefitID  string          `json:"benefit_id"`
	OfferingID string          `json:"offering_id,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON definitions to engine types.
type Factory struct {
	now func() time.Time
}

// New creates a Factory.
func New() *Factory {
	return &Factory{now: time.Now}
}

// ParsePolicy parses a JSON string into a budget policy.
func (f *Factory) ParsePolicy(jsonStr string) (budget.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return budget.Policy{}, fmt.Errorf("%w: failed to parse policy JSON: %v", ErrInvalidDefinition, err)
	}
	return f.PolicyFromJSON(pj)
}

// PolicyFromJSON validates pj and converts it.
func (f *Factory) PolicyFromJSON(pj PolicyJSON) (budget.Policy, error) {
	if strings.TrimSpace(pj.TenantID) == "" {
		return budget.Policy{}, fmt.Errorf("%w: policy tenant_id is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(pj.Name) == "" {
		return budget.Policy{}, fmt.Errorf("%w: policy name is required", ErrInvalidDefinition)
	}
	if pj.PointsAmount <= 0 {
		return budget.Policy{}, fmt.Errorf("%w: points_amount must be positive, got %d", ErrInvalidDefinition, pj.PointsAmount)
	}

	filter, err := parseCondition(pj.TargetFilter)
	if err != nil {
		return budget.Policy{}, fmt.Errorf("%w: target_filter: %v", ErrInvalidDefinition, err)
	}

	p := budget.Policy{
		ID:           pj.ID,
		TenantID:     pj.TenantID,
		Name:         pj.Name,
		IsActive:     true,
		TargetFilter: filter,
		PointsAmount: pj.PointsAmount,
		CreatedAt:    f.now().UTC(),
	}
	if p.ID == "" {
		p.ID = ids.New(ids.PrefixPolicy)
	}
	if pj.IsActive != nil {
		p.IsActive = *pj.IsActive
	}
	if pj.CreatedAt != nil {
		p.CreatedAt = *pj.CreatedAt
	}
	return p, nil
}

// PolicyToJSON is the inverse of PolicyFromJSON.
func PolicyToJSON(p budget.Policy) (PolicyJSON, error) {
	raw, err := condition.Marshal(p.TargetFilter)
	if err != nil {
		return PolicyJSON{}, err
	}
	active := p.IsActive
	created := p.CreatedAt
	return PolicyJSON{
		ID:           p.ID,
		TenantID:     p.TenantID,
		Name:         p.Name,
		IsActive:     &active,
		TargetFilter: raw,
		PointsAmount: p.PointsAmount,
		CreatedAt:    &created,
	}, nil
}

// ParseRule parses a JSON string into an eligibility rule.
func (f *Factory) ParseRule(jsonStr string) (eligibility.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return eligibility.Rule{}, fmt.Errorf("%w: failed to parse rule JSON: %v", ErrInvalidDefinition, err)
	}
	return f.RuleFromJSON(rj)
}

// RuleFromJSON validates rj and converts it.
func (f *Factory) RuleFromJSON(rj RuleJSON) (eligibility.Rule, error) {
	if strings.TrimSpace(rj.TenantID) == "" {
		return eligibility.Rule{}, fmt.Errorf("%w: rule tenant_id is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(rj.BenefitID) == "" {
		return eligibility.Rule{}, fmt.Errorf("%w: rule benefit_id is required", ErrInvalidDefinition)
	}

	cond, err := parseCondition(rj.Conditions)
	if err != nil {
		return eligibility.Rule{}, fmt.Errorf("%w: conditions: %v", ErrInvalidDefinition, err)
	}

	r := eligibility.Rule{
		ID:         rj.ID,
		TenantID:   rj.TenantID,
		BenefitID:  rj.BenefitID,
		OfferingID: rj.OfferingID,
		Condition:  cond,
	}
	if r.ID == "" {
		r.ID = ids.New(ids.PrefixRule)
	}
	return r, nil
}

// RuleToJSON is the inverse of RuleFromJSON.
func RuleToJSON(r eligibility.Rule) (RuleJSON, error) {
	raw, err := condition.Marshal(r.Condition)
	if err != nil {
		return RuleJSON{}, err
	}
	return RuleJSON{
		ID:         r.ID,
		TenantID:   r.TenantID,
		BenefitID:  r.BenefitID,
		OfferingID: r.OfferingID,
		Conditions: raw,
	}, nil
}

// parseCondition rejects malformed conditions at authoring time. Stored
// conditions that are already malformed are still loaded (and never match).
func parseCondition(raw json.RawMessage) (condition.Condition, error) {
	c := condition.Parse(raw)
	if m, ok := c.(condition.Malformed); ok {
		return nil, errors.New(m.Reason)
	}
	return c, nil
}
