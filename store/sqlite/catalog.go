package sqlite

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

// SavePolicy inserts or replaces a budget policy.
func (s *Store) SavePolicy(ctx context.Context, p budget.Policy) error {
	filter, err := condition.Marshal(p.TargetFilter)
	if err != nil {
		return fmt.Errorf("failed to encode target filter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO budget_policies (id, tenant_id, name, is_active, target_filter, points_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			target_filter = excluded.target_filter,
			points_amount = excluded.points_amount
		WHERE budget_policies.tenant_id = excluded.tenant_id
	`
	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.TenantID, p.Name, boolInt(p.IsActive), string(filter), p.PointsAmount, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return requireWritten(res, "policy", p.ID)
}

// Policies returns a tenant's policies in creation order.
func (s *Store) Policies(ctx context.Context, tenantID string) ([]budget.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, tenant_id, name, is_active, target_filter, points_amount, created_at
		FROM budget_policies
		WHERE tenant_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	policies := []budget.Policy{}
	for rows.Next() {
		var (
			p         budget.Policy
			active    int
			filter    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &active, &filter, &p.PointsAmount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p.IsActive = active != 0
		p.TargetFilter = condition.Parse(json.RawMessage(filter.String))
		p.CreatedAt = parseTime(createdAt)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// Tenants returns every tenant with at least one budget policy.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM budget_policies ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// =============================================================================
// ELIGIBILITY RULES
// =============================================================================

// SaveRule inserts or replaces an eligibility rule.
func (s *Store) SaveRule(ctx context.Context, r eligibility.Rule) error {
	cond, err := condition.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO eligibility_rules (id, tenant_id, benefit_id, offering_id, conditions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			offering_id = excluded.offering_id,
			conditions = excluded.conditions
		WHERE eligibility_rules.tenant_id = excluded.tenant_id
			AND eligibility_rules.benefit_id = excluded.benefit_id
	`
	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.BenefitID, nullString(r.OfferingID), string(cond), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return requireWritten(res, "rule", r.ID)
}

// RulesForBenefit returns the tenant's rules for one benefit.
func (s *Store) RulesForBenefit(ctx context.Context, tenantID, benefitID string) ([]eligibility.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, tenant_id, benefit_id, offering_id, conditions
		FROM eligibility_rules
		WHERE tenant_id = ? AND benefit_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, benefitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []eligibility.Rule
	for rows.Next() {
		var (
			r          eligibility.Rule
			offeringID sql.NullString
			cond       sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.BenefitID, &offeringID, &cond); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.OfferingID = offeringID.String
		r.Condition = condition.Parse(json.RawMessage(cond.String))
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// SaveEmployee inserts or replaces an employee profile.
func (s *Store) SaveEmployee(ctx context.Context, e accrual.Employee) error {
	extra, err := json.Marshal(e.Profile.Extra)
	if err != nil {
		return fmt.Errorf("failed to encode extra attributes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO employees (tenant_id, user_id, grade, tenure_months, location, legal_entity, extra_json, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			grade = excluded.grade,
			tenure_months = excluded.tenure_months,
			location = excluded.location,
			legal_entity = excluded.legal_entity,
			extra_json = excluded.extra_json,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		e.TenantID, e.UserID,
		nullString(e.Profile.Grade), e.Profile.TenureMonths,
		nullString(e.Profile.Location), nullString(e.Profile.LegalEntity),
		string(extra), boolInt(e.Active), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

const employeeColumns = `tenant_id, user_id, grade, tenure_months, location, legal_entity, extra_json, active`

// Employees returns a tenant's employees ordered by user id.
func (s *Store) Employees(ctx context.Context, tenantID string) ([]accrual.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + employeeColumns + ` FROM employees WHERE tenant_id = ? ORDER BY user_id`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var employees []accrual.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// Employee returns one employee. found is false when absent.
func (s *Store) Employee(ctx context.Context, tenantID, userID string) (accrual.Employee, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + employeeColumns + ` FROM employees WHERE tenant_id = ? AND user_id = ?`
	e, err := scanEmployee(s.db.QueryRowContext(ctx, query, tenantID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.Employee{}, false, nil
	}
	if err != nil {
		return accrual.Employee{}, false, err
	}
	return e, true, nil
}

func scanEmployee(row scanner) (accrual.Employee, error) {
	var (
		e                            accrual.Employee
		grade, location, legalEntity sql.NullString
		extra                        sql.NullString
		active                       int
	)
	err := row.Scan(&e.TenantID, &e.UserID, &grade, &e.Profile.TenureMonths,
		&location, &legalEntity, &extra, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan employee: %w", err)
	}
	e.Profile.Grade = grade.String
	e.Profile.Location = location.String
	e.Profile.LegalEntity = legalEntity.String
	e.Active = active != 0
	if extra.Valid && extra.String != "" && extra.String != "null" {
		if err := json.Unmarshal([]byte(extra.String), &e.Profile.Extra); err != nil {
			return e, fmt.Errorf("failed to decode extra attributes: %w", err)
		}
	}
	return e, nil
}

// =============================================================================
// ACCRUAL RUNS (accrual.RunRecorder interface)
// =============================================================================

// StartRun records a run as started.
func (s *Store) StartRun(ctx context.Context, run accrual.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accrual_runs (id, tenant_id, period, status, created, skipped, errors_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TenantID, run.Period, run.Status, run.Created, run.Skipped,
		encodeErrors(run.Errors), formatTime(run.StartedAt))
	return err
}

// FinishRun stores a run's outcome.
func (s *Store) FinishRun(ctx context.Context, run accrual.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE accrual_runs
		SET status = ?, created = ?, skipped = ?, errors_json = ?, completed_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		run.Status, run.Created, run.Skipped, encodeErrors(run.Errors), formatTime(run.CompletedAt), run.ID)
	return err
}

// ListRuns returns a tenant's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, limit int) ([]accrual.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, period, status, created, skipped, errors_json, started_at, completed_at
		FROM accrual_runs
		WHERE tenant_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accrual runs: %w", err)
	}
	defer rows.Close()

	runs := []accrual.Run{}
	for rows.Next() {
		var (
			r                     accrual.Run
			errorsJSON, completed sql.NullString
			started               string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Period, &r.Status, &r.Created, &r.Skipped,
			&errorsJSON, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan accrual run: %w", err)
		}
		r.StartedAt = parseTime(started)
		if completed.Valid {
			r.CompletedAt = parseTime(completed.String)
		}
		if errorsJSON.Valid && errorsJSON.String != "" {
			_ = json.Unmarshal([]byte(errorsJSON.String), &r.Errors)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
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
