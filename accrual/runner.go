/*
Package accrual grants each period's points to a tenant's employees.

PURPOSE:
  One run = one (tenant, period). For every active employee the run
  resolves the budget policy that applies to them and accrues its
  PointsAmount into their wallet for the period.

GUARANTEES:
  - Re-running a period is safe: the ledger accrues at most once per
    wallet, repeats are counted as skipped.
  - At most one run per (tenant, period) is in flight when a Locker is
    configured; a second caller gets ErrRunInProgress.
  - One employee's failure never stops the batch. It is reported as
    "<user>: <error>" in Result.Errors.
  - Employees are processed concurrently (bounded), results are reported
    in employee order.

FLOW:
  lock -> record run -> load active policies (none: NO_POLICIES, stop)
       -> load employees -> resolve + accrue each -> record outcome

SEE ALSO:
  - budget/resolver.go: policy selection
  - wallet/ledger.go: Accrue and its idempotency
  - lock/: Locker implementations
*/
package accrual

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/benefits-engine/budget"
	"github.com/warp/benefits-engine/condition"
	"github.com/warp/benefits-engine/ids"
	"github.com/warp/benefits-engine/lock"
	"github.com/warp/benefits-engine/wallet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ERRORS
// =============================================================================

// CodeNoPolicies is the Result error recorded when a tenant has no active
// budget policy.
const CodeNoPolicies = "NO_POLICIES"

var (
	// ErrNoPolicies is returned when the tenant has no active policy. No
	// wallet is touched.
	ErrNoPolicies = errors.New(CodeNoPolicies)

	// ErrRunInProgress is returned when another run holds the tenant-period lock.
	ErrRunInProgress = errors.New("accrual run already in progress")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Employee is an employee as seen by the accrual run.
type Employee struct {
	UserID   string
	TenantID string
	Profile  condition.Profile
	Active   bool
}

// PolicySource loads a tenant's budget policies.
type PolicySource interface {
	Policies(ctx context.Context, tenantID string) ([]budget.Policy, error)
}

// EmployeeSource loads a tenant's employees.
type EmployeeSource interface {
	Employees(ctx context.Context, tenantID string) ([]Employee, error)
}

// Accruer credits points. *wallet.Ledger implements it.
type Accruer interface {
	Accrue(ctx context.Context, in wallet.AccrueInput) (wallet.AccrueResult, error)
}

// Locker is a non-blocking named lock. lock.Local and lock.Redis implement it.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}

// =============================================================================
// RESULT
// =============================================================================

// Result summarizes one run.
type Result struct {
	Created int
	Skipped int
	Errors  []string
}

// =============================================================================
// RUNNER
// =============================================================================

// DefaultConcurrency is how many employees are accrued at once.
const DefaultConcurrency = 8

// Runner executes accrual runs.
type Runner struct {
	policies    PolicySource
	employees   EmployeeSource
	ledger      Accruer
	periods     wallet.PeriodConfig
	locker      Locker
	recorder    RunRecorder
	logger      *zap.Logger
	concurrency int
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

func WithLocker(l Locker) Option { return func(r *Runner) { r.locker = l } }

func WithRecorder(rec RunRecorder) Option { return func(r *Runner) { r.recorder = rec } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithPeriodConfig sets how periods and their expiry are computed.
// Defaults to monthly periods in UTC.
func WithPeriodConfig(pc wallet.PeriodConfig) Option {
	return func(r *Runner) { r.periods = pc }
}

// WithConcurrency bounds how many employees are accrued at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(policies PolicySource, employees EmployeeSource, ledger Accruer, opts ...Option) *Runner {
	r := &Runner{
		policies:    policies,
		employees:   employees,
		ledger:      ledger,
		periods:     wallet.PeriodConfig{Type: wallet.PeriodMonthly},
		logger:      zap.NewNop(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentPeriod is the period the runner would use for an empty period.
func (r *Runner) CurrentPeriod() wallet.Period {
	return r.periods.PeriodFor(r.now())
}

// Run accrues period for every active employee of tenantID. An empty
// period means the current one.
//
// The returned error is reserved for run-level failures (lock contention,
// no policies, storage failures while loading inputs). Per-employee
// failures are reported in Result.Errors with a nil error.
func (r *Runner) Run(ctx context.Context, tenantID string, period wallet.Period) (Result, error) {
	if tenantID == "" {
		return Result{}, fmt.Errorf("%w: tenant is required", wallet.ErrInvalidInput)
	}
	if period == "" {
		period = r.CurrentPeriod()
	}
	if err := period.Validate(); err != nil {
		return Result{}, err
	}

	log := r.logger.With(zap.String("tenant_id", tenantID), zap.String("period", string(period)))

	if r.locker != nil {
		unlock, acquired, err := r.locker.TryLock(ctx, lock.Key(tenantID, string(period)))
		if err != nil {
			return Result{}, fmt.Errorf("acquire run lock: %w", err)
		}
		if !acquired {
			log.Info("accrual run skipped, another run holds the lock")
			return Result{}, ErrRunInProgress
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	run := Run{
		ID:        ids.New(ids.PrefixRun),
		TenantID:  tenantID,
		Period:    string(period),
		Status:    RunRunning,
		StartedAt: r.now(),
	}
	r.recordStart(ctx, log, run)

	res, err := r.run(ctx, log, tenantID, period)

	run.Created, run.Skipped, run.Errors = res.Created, res.Skipped, res.Errors
	run.CompletedAt = r.now()
	switch {
	case errors.Is(err, ErrNoPolicies):
		run.Status = RunNoPolicies
	case err != nil:
		run.Status = RunFailed
		run.Errors = append(run.Errors, err.Error())
	default:
		run.Status = RunCompleted
	}
	r.recordFinish(ctx, log, run)

	return res, err
}

func (r *Runner) run(ctx context.Context, log *zap.Logger, tenantID string, period wallet.Period) (Result, error) {
	all, err := r.policies.Policies(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("load budget policies: %w", err)
	}
	policies := budget.Active(ownedPolicies(all, tenantID))
	if len(policies) == 0 {
		log.Warn("accrual run has no active budget policies")
		return Result{Errors: []string{CodeNoPolicies}}, ErrNoPolicies
	}

	expiresAt, err := r.periods.ExpiresAt(period)
	if err != nil {
		return Result{}, err
	}

	employees, err := r.employees.Employees(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("load employees: %w", err)
	}

	outcomes := make([]outcome, len(employees))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, emp := range employees {
		i, emp := i, emp
		g.Go(func() error {
			outcomes[i] = r.accrueOne(ctx, tenantID, period, expiresAt, emp, policies)
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", employees[i].UserID, o.err))
		case o.created:
			res.Created++
		default:
			res.Skipped++
		}
	}

	log.Info("accrual run finished",
		zap.Int("employees", len(employees)),
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

type outcome struct {
	created bool
	err     error
}

func (r *Runner) accrueOne(ctx context.Context, tenantID string, period wallet.Period, expiresAt time.Time, emp Employee, policies []budget.Policy) outcome {
	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}
	if !emp.Active || emp.TenantID != tenantID {
		return outcome{}
	}

	policy, ok := budget.Resolve(emp.Profile, policies)
	if !ok {
		return outcome{}
	}

	res, err := r.ledger.Accrue(ctx, wallet.AccrueInput{
		UserID:      wallet.UserID(emp.UserID),
		TenantID:    wallet.TenantID(tenantID),
		Period:      period,
		Amount:      policy.PointsAmount,
		ExpiresAt:   expiresAt,
		Description: fmt.Sprintf("%s: accrual for period %s", policy.Name, period),
	})
	if err != nil {
		r.logger.Warn("accrual failed",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", emp.UserID),
			zap.String("policy_id", policy.ID),
			zap.Error(err))
		return outcome{err: err}
	}
	return outcome{created: !res.Duplicate}
}

func ownedPolicies(policies []budget.Policy, tenantID string) []budget.Policy {
	out := make([]budget.Policy, 0, len(policies))
	for _, p := range policies {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out
}
