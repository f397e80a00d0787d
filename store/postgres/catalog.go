package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/benefits-engine/accrual"
	"github.com/warp/benefits-engine/budget"
	"github.com/warp/benefits-engine/condition"
	"github.com/warp/benefits-engine/eligibility"
	"github.com/warp/benefits-engine/ids"
)

var (
	_ accrual.PolicySource   = (*Store)(nil)
	_ accrual.EmployeeSource = (*Store)(nil)
	_ accrual.RunRecorder    = (*Store)(nil)
	_ eligibility.RuleSource = (*Store)(nil)
)

// =============================================================================
// BUDGET POLICIES
// =============================================================================

type policyRow struct {
	ID           string    `db:"id"`
	TenantID     string    `db:"tenant_id"`
	Name         string    `db:"name"`
	IsActive     bool      `db:"is_active"`
	TargetFilter []byte    `db:"target_filter"`
	PointsAmount int64     `db:"points_amount"`
	CreatedAt    time.Time `db:"created_at"`
}

// SavePolicy inserts or replaces a budget policy.
func (s *Store) SavePolicy(ctx context.Context, p budget.Policy) error {
	filter, err := condition.Marshal(p.TargetFilter)
	if err != nil {
		return fmt.Errorf("failed to encode target filter: %w", err)
	}

	const q = `
		INSERT INTO budget_policies (id, tenant_id, name, is_active, target_filter, points_amount, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			target_filter = EXCLUDED.target_filter,
			points_amount = EXCLUDED.points_amount
		WHERE budget_policies.tenant_id = EXCLUDED.tenant_id`
	res, err := s.db.ExecContext(ctx, q,
		p.ID, p.TenantID, p.Name, p.IsActive, jsonb(filter), p.PointsAmount, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return requireWritten(res, "policy", p.ID)
}

// Policies returns a tenant's policies in creation order.
func (s *Store) Policies(ctx context.Context, tenantID string) ([]budget.Policy, error) {
	const q = `
		SELECT id, tenant_id, name, is_active, target_filter, points_amount, created_at
		FROM budget_policies
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC`

	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, q, tenantID); err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	policies := make([]budget.Policy, 0, len(rows))
	for _, r := range rows {
		policies = append(policies, budget.Policy{
			ID:           r.ID,
			TenantID:     r.TenantID,
			Name:         r.Name,
			IsActive:     r.IsActive,
			TargetFilter: condition.Parse(r.TargetFilter),
			PointsAmount: r.PointsAmount,
			CreatedAt:    r.CreatedAt.UTC(),
		})
	}
	return policies, nil
}

// Tenants returns every tenant with at least one budget policy.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	if err := s.db.SelectContext(ctx, &tenants, `SELECT DISTINCT tenant_id FROM budget_policies ORDER BY tenant_id`); err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	return tenants, nil
}

// =============================================================================
// ELIGIBILITY RULES
// =============================================================================

type ruleRow struct {
	ID         string         `db:"id"`
	TenantID   string         `db:"tenant_id"`
	BenefitID  string         `db:"benefit_id"`
	OfferingID sql.NullString `db:"offering_id"`
	Conditions []byte         `db:"conditions"`
}

// SaveRule inserts or replaces an eligibility rule.
func (s *Store) SaveRule(ctx context.Context, r eligibility.Rule) error {
	cond, err := condition.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	const q = `
		INSERT INTO eligibility_rules (id, tenant_id, benefit_id, offering_id, conditions)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			offering_id = EXCLUDED.offering_id,
			conditions = EXCLUDED.conditions
		WHERE eligibility_rules.tenant_id = EXCLUDED.tenant_id
			AND eligibility_rules.benefit_id = EXCLUDED.benefit_id`
	res, err := s.db.ExecContext(ctx, q, r.ID, r.TenantID, r.BenefitID, nullString(r.OfferingID), jsonb(cond))
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return requireWritten(res, "rule", r.ID)
}

// RulesForBenefit returns the tenant's rules for one benefit.
func (s *Store) RulesForBenefit(ctx context.Context, tenantID, benefitID string) ([]eligibility.Rule, error) {
	const q = `
		SELECT id, tenant_id, benefit_id, offering_id, conditions
		FROM eligibility_rules
		WHERE tenant_id = $1 AND benefit_id = $2
		ORDER BY created_at ASC, id ASC`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, q, tenantID, benefitID); err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	rules := make([]eligibility.Rule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, eligibility.Rule{
			ID:         r.ID,
			TenantID:   r.TenantID,
			BenefitID:  r.BenefitID,
			OfferingID: r.OfferingID.String,
			Condition:  condition.Parse(r.Conditions),
		})
	}
	return rules, nil
}

// =============================================================================
// EMPLOYEES
// =============================================================================

type employeeRow struct {
	TenantID     string         `db:"tenant_id"`
	UserID       string         `db:"user_id"`
	Grade        sql.NullString `db:"grade"`
	TenureMonths int            `db:"tenure_months"`
	Location     sql.NullString `db:"location"`
	LegalEntity  sql.NullString `db:"legal_entity"`
	Extra        []byte         `db:"extra"`
	Active       bool           `db:"active"`
}

func (r employeeRow) toEmployee() (accrual.Employee, error) {
	e := accrual.Employee{
		UserID:   r.UserID,
		TenantID: r.TenantID,
		Active:   r.Active,
		Profile: condition.Profile{
			Grade:        r.Grade.String,
			TenureMonths: r.TenureMonths,
			Location:     r.Location.String,
			LegalEntity:  r.LegalEntity.String,
		},
	}
	if len(r.Extra) > 0 {
		if err := json.Unmarshal(r.Extra, &e.Profile.Extra); err != nil {
			return e, fmt.Errorf("failed to decode extra attributes: %w", err)
		}
	}
	return e, nil
}

const employeeColumns = `tenant_id, user_id, grade, tenure_months, location, legal_entity, extra, active`

// SaveEmployee inserts or replaces an employee profile.
func (s *Store) SaveEmployee(ctx context.Context, e accrual.Employee) error {
	var extra []byte
	if len(e.Profile.Extra) > 0 {
		b, err := json.Marshal(e.Profile.Extra)
		if err != nil {
			return fmt.Errorf("failed to encode extra attributes: %w", err)
		}
		extra = b
	}

	const q = `
		INSERT INTO employees (tenant_id, user_id, grade, tenure_months, location, legal_entity, extra, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, NOW())
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			grade = EXCLUDED.grade,
			tenure_months = EXCLUDED.tenure_months,
			location = EXCLUDED.location,
			legal_entity = EXCLUDED.legal_entity,
			extra = EXCLUDED.extra,
			active = EXCLUDED.active,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, q,
		e.TenantID, e.UserID,
		nullString(e.Profile.Grade), e.Profile.TenureMonths,
		nullString(e.Profile.Location), nullString(e.Profile.LegalEntity),
		jsonb(extra), e.Active)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// Employees returns a tenant's employees ordered by user id.
func (s *Store) Employees(ctx context.Context, tenantID string) ([]accrual.Employee, error) {
	var rows []employeeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+employeeColumns+` FROM employees WHERE tenant_id = $1 ORDER BY user_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	employees := make([]accrual.Employee, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEmployee()
		if err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, nil
}

// Employee returns one employee. found is false when absent.
func (s *Store) Employee(ctx context.Context, tenantID, userID string) (accrual.Employee, bool, error) {
	var row employeeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+employeeColumns+` FROM employees WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.Employee{}, false, nil
	}
	if err != nil {
		return accrual.Employee{}, false, fmt.Errorf("failed to query employee: %w", err)
	}
	e, err := row.toEmployee()
	if err != nil {
		return accrual.Employee{}, false, err
	}
	return e, true, nil
}

// =============================================================================
// ACCRUAL RUNS (accrual.RunRecorder interface)
// =============================================================================

type runRow struct {
	ID          string       `db:"id"`
	TenantID    string       `db:"tenant_id"`
	Period      string       `db:"period"`
	Status      string       `db:"status"`
	Created     int          `db:"created"`
	Skipped     int          `db:"skipped"`
	Errors      []byte       `db:"errors"`
	StartedAt   time.Time    `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

// StartRun records a run as started.
func (s *Store) StartRun(ctx context.Context, run accrual.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accrual_runs (id, tenant_id, period, status, created, skipped, errors, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		run.ID, run.TenantID, run.Period, string(run.Status), run.Created, run.Skipped,
		encodeErrors(run.Errors), run.StartedAt.UTC())
	return err
}

// FinishRun stores a run's outcome.
func (s *Store) FinishRun(ctx context.Context, run accrual.Run) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accrual_runs
		SET status = $1, created = $2, skipped = $3, errors = $4::jsonb, completed_at = $5
		WHERE id = $6`,
		string(run.Status), run.Created, run.Skipped, encodeErrors(run.Errors), run.CompletedAt.UTC(), run.ID)
	return err
}

// ListRuns returns a tenant's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, limit int) ([]accrual.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, period, status, created, skipped, errors, started_at, completed_at
		FROM accrual_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accrual runs: %w", err)
	}

	runs := make([]accrual.Run, 0, len(rows))
	for _, r := range rows {
		run := accrual.Run{
			ID:        r.ID,
			TenantID:  r.TenantID,
			Period:    r.Period,
			Status:    accrual.RunStatus(r.Status),
			Created:   r.Created,
			Skipped:   r.Skipped,
			StartedAt: r.StartedAt.UTC(),
		}
		if r.CompletedAt.Valid {
			run.CompletedAt = r.CompletedAt.Time.UTC()
		}
		_ = json.Unmarshal(r.Errors, &run.Errors)
		runs = append(runs, run)
	}
	return runs, nil
}

func encodeErrors(errs []string) string {
	if len(errs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(errs)
	return string(b)
}

// requireWritten turns an upsert that matched a row of another tenant, and
// so left it alone, into ids.ErrConflict.
func requireWritten(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ids.ErrConflict)
	}
	return nil
}
