package accrual_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/accrual"
	"github.com/warp/benefits-engine/budget"
	"github.com/warp/benefits-engine/condition"
	"github.com/warp/benefits-engine/lock"
	"github.com/warp/benefits-engine/wallet"
	"github.com/warp/benefits-engine/wallet/store"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tenant = "tenant-a"

var march15 = time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)

type staticPolicies []budget.Policy

func (s staticPolicies) Policies(_ context.Context, _ string) ([]budget.Policy, error) {
	return s, nil
}

type staticEmployees []accrual.Employee

func (s staticEmployees) Employees(_ context.Context, _ string) ([]accrual.Employee, error) {
	return s, nil
}

type mockEmployees struct {
	mock.Mock
}

func (m *mockEmployees) Employees(ctx context.Context, tenantID string) ([]accrual.Employee, error) {
	args := m.Called(ctx, tenantID)
	emps, _ := args.Get(0).([]accrual.Employee)
	return emps, args.Error(1)
}

type mockAccruer struct {
	mock.Mock
}

func (m *mockAccruer) Accrue(ctx context.Context, in wallet.AccrueInput) (wallet.AccrueResult, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(wallet.AccrueResult), args.Error(1)
}

type memoryRecorder struct {
	mu   sync.Mutex
	runs map[string]accrual.Run
}

func (r *memoryRecorder) StartRun(_ context.Context, run accrual.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string]accrual.Run{}
	}
	r.runs[run.ID] = run
	return nil
}

func (r *memoryRecorder) FinishRun(ctx context.Context, run accrual.Run) error {
	return r.StartRun(ctx, run)
}

func (r *memoryRecorder) ListRuns(_ context.Context, tenantID string, _ int) ([]accrual.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []accrual.Run
	for _, run := range r.runs {
		if run.TenantID == tenantID {
			out = append(out, run)
		}
	}
	return out, nil
}

func defaultPolicies() staticPolicies {
	return staticPolicies{
		{ID: "base", TenantID: tenant, Name: "Base", IsActive: true, PointsAmount: 1000},
		{ID: "senior", TenantID: tenant, Name: "Senior", IsActive: true, PointsAmount: 3000,
			TargetFilter: condition.Flat{"grade": []any{"senior"}}},
	}
}

func employee(id, grade string) accrual.Employee {
	return accrual.Employee{
		UserID:   id,
		TenantID: tenant,
		Profile:  condition.Profile{Grade: grade, TenureMonths: 12},
		Active:   true,
	}
}

func newLedger(t *testing.T) *wallet.Ledger {
	return wallet.NewLedger(store.NewMemory(),
		wallet.WithClock(func() time.Time { return march15 }),
		wallet.WithLogger(zaptest.NewLogger(t)))
}

func balance(t *testing.T, l *wallet.Ledger, user string) int64 {
	t.Helper()
	v, err := l.GetBalance(context.Background(), tenant, wallet.UserID(user))
	require.NoError(t, err)
	return v.Balance
}

// =============================================================================
// RUN
// =============================================================================

func TestRun_AccruesResolvedPolicyAmounts(t *testing.T) {
	ledger := newLedger(t)
	employees := staticEmployees{employee("emp-1", "junior"), employee("emp-2", "senior")}
	runner := accrual.NewRunner(defaultPolicies(), employees, ledger,
		accrual.WithClock(func() time.Time { return march15 }),
		accrual.WithLogger(zaptest.NewLogger(t)))

	res, err := runner.Run(context.Background(), tenant, "2025-03")
	require.NoError(t, err)

	assert.Equal(t, accrual.Result{Created: 2}, res)
	assert.Equal(t, int64(1000), balance(t, ledger, "emp-1"))
	assert.Equal(t, int64(3000), balance(t, ledger, "emp-2"))

	view, err := ledger.GetBalance(context.Background(), tenant, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), view.ExpiresAt)
}

func TestRun_SecondRunSkipsEveryone(t *testing.T) {
	ledger := newLedger(t)
	employees := staticEmployees{employee("emp-1", "junior"), employee("emp-2", "senior")}
	runner := accrual.NewRunner(defaultPolicies(), employees, ledger)

	_, err := runner.Run(context.Background(), tenant, "2025-03")
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), tenant, "2025-03")
	require.NoError(t, err)
	assert.Equal(t, accrual.Result{Skipped: 2}, res)
	assert.Equal(t, int64(3000), balance(t, ledger, "emp-2"))
}

func TestRun_NoPoliciesTouchesNothing(t *testing.T) {
	// GIVEN: the tenant's only policy is inactive
	// WHEN: running accrual
	// THEN: NO_POLICIES, and employees are never even loaded

	employees := &mockEmployees{}
	accruer := &mockAccruer{}
	policies := staticPolicies{{ID: "off", TenantID: tenant, IsActive: false, PointsAmount: 100}}
	runner := accrual.NewRunner(policies, employees, accruer)

	res, err := runner.Run(context.Background(), tenant, "2025-03")

	assert.ErrorIs(t, err, accrual.ErrNoPolicies)
	assert.Equal(t, accrual.Result{Errors: []string{"NO_POLICIES"}}, res)
	employees.AssertNotCalled(t, "Employees", mock.Anything, mock.Anything)
	accruer.AssertNotCalled(t, "Accrue", mock.Anything, mock.Anything)
}

func TestRun_SkipsUnmatchedAndInactiveEmployees(t *testing.T) {
	ledger := newLedger(t)
	policies := staticPolicies{
		{ID: "moscow", TenantID: tenant, IsActive: true, PointsAmount: 500,
			TargetFilter: condition.Flat{"location": "Moscow"}},
	}
	inMoscow := employee("emp-1", "junior")
	inMoscow.Profile.Location = "Moscow"
	left := employee("emp-2", "junior")
	left.Profile.Location = "Moscow"
	left.Active = false
	elsewhere := employee("emp-3", "junior")

	runner := accrual.NewRunner(policies, staticEmployees{inMoscow, left, elsewhere}, ledger)
	res, err := runner.Run(context.Background(), tenant, "2025-03")

	require.NoError(t, err)
	assert.Equal(t, accrual.Result{Created: 1, Skipped: 2}, res)
	assert.Equal(t, int64(0), balance(t, ledger, "emp-2"))
}

func TestRun_StorageFailureDoesNotHaltBatch(t *testing.T) {
	// GIVEN: the ledger fails for emp-2 only
	// WHEN: running accrual for three employees
	// THEN: the other two are accrued and the failure is reported per user

	accruer := &mockAccruer{}
	failing := mock.MatchedBy(func(in wallet.AccrueInput) bool { return in.UserID == "emp-2" })
	healthy := mock.MatchedBy(func(in wallet.AccrueInput) bool { return in.UserID != "emp-2" })
	accruer.On("Accrue", mock.Anything, failing).Return(wallet.AccrueResult{}, errors.New("disk I/O error"))
	accruer.On("Accrue", mock.Anything, healthy).Return(wallet.AccrueResult{}, nil)

	employees := staticEmployees{employee("emp-1", "junior"), employee("emp-2", "junior"), employee("emp-3", "senior")}
	runner := accrual.NewRunner(defaultPolicies(), employees, accruer, accrual.WithLogger(zaptest.NewLogger(t)))

	res, err := runner.Run(context.Background(), tenant, "2025-03")

	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, []string{"emp-2: disk I/O error"}, res.Errors)
	accruer.AssertNumberOfCalls(t, "Accrue", 3)
}

func TestRun_ErrorsReportedInEmployeeOrder(t *testing.T) {
	accruer := &mockAccruer{}
	accruer.On("Accrue", mock.Anything, mock.Anything).Return(wallet.AccrueResult{}, errors.New("boom"))

	var employees staticEmployees
	var want []string
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("emp-%02d", i)
		employees = append(employees, employee(id, "junior"))
		want = append(want, id+": boom")
	}

	runner := accrual.NewRunner(defaultPolicies(), employees, accruer, accrual.WithConcurrency(5))
	res, err := runner.Run(context.Background(), tenant, "2025-03")

	require.NoError(t, err)
	assert.Equal(t, want, res.Errors)
}

func TestRun_ManyEmployeesConcurrently(t *testing.T) {
	ledger := newLedger(t)
	var employees staticEmployees
	for i := 0; i < 100; i++ {
		employees = append(employees, employee(fmt.Sprintf("emp-%d", i), "junior"))
	}

	runner := accrual.NewRunner(defaultPolicies(), employees, ledger, accrual.WithConcurrency(4))
	res, err := runner.Run(context.Background(), tenant, "2025-03")

	require.NoError(t, err)
	assert.Equal(t, 100, res.Created)
	assert.Empty(t, res.Errors)
}

func TestRun_DefaultsToCurrentPeriod(t *testing.T) {
	accruer := &mockAccruer{}
	accruer.On("Accrue", mock.Anything, mock.MatchedBy(func(in wallet.AccrueInput) bool {
		return in.Period == "2025-Q1"
	})).Return(wallet.AccrueResult{}, nil)

	runner := accrual.NewRunner(defaultPolicies(), staticEmployees{employee("emp-1", "junior")}, accruer,
		accrual.WithClock(func() time.Time { return march15 }),
		accrual.WithPeriodConfig(wallet.PeriodConfig{Type: wallet.PeriodQuarterly}))

	res, err := runner.Run(context.Background(), tenant, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	accruer.AssertExpectations(t)
}

func TestRun_RejectsInvalidPeriod(t *testing.T) {
	runner := accrual.NewRunner(defaultPolicies(), staticEmployees{}, &mockAccruer{})

	_, err := runner.Run(context.Background(), tenant, "2025-13")
	assert.ErrorIs(t, err, wallet.ErrInvalidPeriod)
}

// =============================================================================
// LOCKING AND RUN RECORDS
// =============================================================================

func TestRun_OverlappingRunGetsRunInProgress(t *testing.T) {
	locks := lock.NewLocal()
	unlock, ok, err := locks.TryLock(context.Background(), lock.Key(tenant, "2025-03"))
	require.NoError(t, err)
	require.True(t, ok)

	accruer := &mockAccruer{}
	runner := accrual.NewRunner(defaultPolicies(), staticEmployees{employee("emp-1", "junior")}, accruer,
		accrual.WithLocker(locks))

	_, err = runner.Run(context.Background(), tenant, "2025-03")
	assert.ErrorIs(t, err, accrual.ErrRunInProgress)
	accruer.AssertNotCalled(t, "Accrue", mock.Anything, mock.Anything)

	require.NoError(t, unlock(context.Background()))

	accruer.On("Accrue", mock.Anything, mock.Anything).Return(wallet.AccrueResult{}, nil)
	res, err := runner.Run(context.Background(), tenant, "2025-03")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	// The run released its lock.
	again, ok, err := locks.TryLock(context.Background(), lock.Key(tenant, "2025-03"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, again(context.Background()))
}

func TestRun_RecordsRuns(t *testing.T) {
	recorder := &memoryRecorder{}
	ledger := newLedger(t)

	runner := accrual.NewRunner(defaultPolicies(), staticEmployees{employee("emp-1", "junior")}, ledger,
		accrual.WithRecorder(recorder))
	_, err := runner.Run(context.Background(), tenant, "2025-03")
	require.NoError(t, err)

	empty := accrual.NewRunner(staticPolicies{}, staticEmployees{}, ledger, accrual.WithRecorder(recorder))
	_, err = empty.Run(context.Background(), tenant, "2025-04")
	require.ErrorIs(t, err, accrual.ErrNoPolicies)

	runs, err := runner.Runs(context.Background(), tenant, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byPeriod := map[string]accrual.Run{}
	for _, r := range runs {
		byPeriod[r.Period] = r
	}
	assert.Equal(t, accrual.RunCompleted, byPeriod["2025-03"].Status)
	assert.Equal(t, 1, byPeriod["2025-03"].Created)
	assert.False(t, byPeriod["2025-03"].CompletedAt.IsZero())
	assert.Equal(t, accrual.RunNoPolicies, byPeriod["2025-04"].Status)
}
