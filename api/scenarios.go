/*
scenarios.go - Demo scenario loaders for local runs and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate a demo tenant with realistic
  data. Each scenario creates budget policies and eligibility rules from
  their JSON definitions, saves employees, and runs the current period's
  accrual so wallets are ready to use.

AVAILABLE SCENARIOS:
  grade-budgets:    Base and senior budgets, tenure-gated medical insurance
  open-marketplace: One budget for everyone, benefits with no rules

HOW SCENARIOS WORK:
 1. Upsert policies and rules via the factory (fixed ids)
 2. Upsert employees
 3. Run accrual for the current period

  Loading is idempotent: records are upserted by id and accrual credits each
  employee once per period, so a scenario can be loaded repeatedly.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "grade-budgets"}

SEE ALSO:
  - handlers.go: Catalog and accrual handlers
  - factory/policy.go: Policy and rule JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/benefits-engine/accrual"
	"github.com/warp/benefits-engine/condition"
)

// DemoTenant is the tenant scenarios load into.
const DemoTenant = "demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	policies  []string
	rules     []string
	employees []accrual.Employee
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "grade-budgets",
			Name:        "Grade Budgets",
			Description: "Senior staff get a larger quarterly budget; medical insurance needs 12 months of tenure",
		},
		policies: []string{
			`{"id": "pol_demo_base", "tenant_id": "demo", "name": "Base budget", "points_amount": 1000,
			  "created_at": "2025-01-01T00:00:00Z"}`,
			`{"id": "pol_demo_senior", "tenant_id": "demo", "name": "Senior budget", "points_amount": 3000,
			  "target_filter": {"grade": ["senior", "lead"], "min_tenure": 12},
			  "created_at": "2025-01-02T00:00:00Z"}`,
		},
		rules: []string{
			`{"id": "rul_demo_dms", "tenant_id": "demo", "benefit_id": "dms",
			  "conditions": {"match_all": [{"field": "tenure_months", "operator": "gte", "value": 12}]}}`,
			`{"id": "rul_demo_dms_family", "tenant_id": "demo", "benefit_id": "dms", "offering_id": "dms-family",
			  "conditions": {"match_all": [
			    {"field": "grade", "operator": "in", "value": ["senior", "lead"]},
			    {"field": "location", "operator": "eq", "value": "Moscow"}]}}`,
		},
		employees: []accrual.Employee{
			{UserID: "alice", TenantID: DemoTenant, Active: true,
				Profile: condition.Profile{Grade: "senior", TenureMonths: 36, Location: "Moscow", LegalEntity: "LLC"}},
			{UserID: "bob", TenantID: DemoTenant, Active: true,
				Profile: condition.Profile{Grade: "junior", TenureMonths: 6, Location: "Kazan", LegalEntity: "LLC"}},
			{UserID: "carol", TenantID: DemoTenant, Active: true,
				Profile: condition.Profile{Grade: "lead", TenureMonths: 8, Location: "Moscow", LegalEntity: "LLC"}},
			{UserID: "dave", TenantID: DemoTenant, Active: false,
				Profile: condition.Profile{Grade: "senior", TenureMonths: 60, Location: "Moscow", LegalEntity: "LLC"}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "open-marketplace",
			Name:        "Open Marketplace",
			Description: "A single budget for every employee and benefits open to all",
		},
		policies: []string{
			`{"id": "pol_demo_everyone", "tenant_id": "demo", "name": "Everyone", "points_amount": 500,
			  "created_at": "2025-01-01T00:00:00Z"}`,
		},
		employees: []accrual.Employee{
			{UserID: "erin", TenantID: DemoTenant, Active: true,
				Profile: condition.Profile{Grade: "middle", TenureMonths: 14}},
			{UserID: "frank", TenantID: DemoTenant, Active: true,
				Profile: condition.Profile{Grade: "junior", TenureMonths: 1}},
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	s, ok := findScenario(h.currentScenario)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario loads a predefined scenario into the demo tenant.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	res, err := h.loadScenario(r.Context(), s)
	if err != nil {
		h.writeDomainError(w, r, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}
	h.currentScenario = s.ID

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": s.ID,
		"tenant":   DemoTenant,
		"created":  res.Created,
		"skipped":  res.Skipped,
	})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, s scenario) (accrual.Result, error) {
	for _, def := range s.policies {
		p, err := h.Factory.ParsePolicy(def)
		if err != nil {
			return accrual.Result{}, err
		}
		if err := h.Catalog.SavePolicy(ctx, p); err != nil {
			return accrual.Result{}, err
		}
	}
	for _, def := range s.rules {
		rule, err := h.Factory.ParseRule(def)
		if err != nil {
			return accrual.Result{}, err
		}
		if err := h.Catalog.SaveRule(ctx, rule); err != nil {
			return accrual.Result{}, err
		}
	}
	for _, e := range s.employees {
		if err := h.Catalog.SaveEmployee(ctx, e); err != nil {
			return accrual.Result{}, err
		}
	}

	res, err := h.Runner.Run(ctx, DemoTenant, "")
	if errors.Is(err, accrual.ErrRunInProgress) {
		// A scheduled run is already crediting the tenant.
		return res, nil
	}
	return res, err
}
