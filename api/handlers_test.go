/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Accrual through the API and the resulting wallet view
- Reserve / spend / release status mapping
- Tenant scoping of wallets
- Eligibility and budget policy lookups
- Catalog validation
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/accrual"
	"github.com/warp/benefits-engine/condition"
	"github.com/warp/benefits-engine/ids"
	"github.com/warp/benefits-engine/lock"
	"github.com/warp/benefits-engine/store/sqlite"
	"github.com/warp/benefits-engine/wallet"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var march15 = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *sqlite.Store
	ledger  *wallet.Ledger
	runner  *accrual.Runner
	handler *Handler
	router  http.Handler
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return now }
	ledger := wallet.NewLedger(store, wallet.WithClock(clock), wallet.WithLogger(logger))
	runner := accrual.NewRunner(store, store, ledger,
		accrual.WithLocker(lock.NewLocal()),
		accrual.WithRecorder(store),
		accrual.WithClock(clock),
		accrual.WithLogger(logger))

	h := NewHandler(ledger, runner, store, store, logger)
	return &testEnv{
		store:   store,
		ledger:  ledger,
		runner:  runner,
		handler: h,
		router:  NewRouter(h, RouterOptions{EnableScenarios: true}),
	}
}

// seed creates the base and senior policies and two employees.
func (env *testEnv) seed(t *testing.T) {
	t.Helper()
	postOK(t, env.router, "/api/tenants/acme/policies",
		`{"id": "pol_base", "name": "Base", "points_amount": 1000, "created_at": "2025-01-01T00:00:00Z"}`)
	postOK(t, env.router, "/api/tenants/acme/policies",
		`{"id": "pol_senior", "name": "Senior", "points_amount": 3000,
		  "target_filter": {"match_all": [{"field": "grade", "operator": "eq", "value": "senior"},
		                                  {"field": "tenure_months", "operator": "gte", "value": 24}]},
		  "created_at": "2025-01-02T00:00:00Z"}`)
	postOK(t, env.router, "/api/tenants/acme/employees",
		`{"user_id": "alice", "grade": "senior", "tenure_months": 36, "location": "Moscow"}`)
	postOK(t, env.router, "/api/tenants/acme/employees",
		`{"user_id": "bob", "grade": "junior", "tenure_months": 6}`)
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postOK(t *testing.T, router http.Handler, path, body string) {
	t.Helper()
	rec := do(t, router, http.MethodPost, path, body)
	require.Less(t, rec.Code, 300, "POST %s: %s", path, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) walletOf(t *testing.T, user string) WalletDTO {
	t.Helper()
	rec := do(t, env.router, http.MethodGet, "/api/tenants/acme/users/"+user+"/wallet", "")
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[WalletDTO](t, rec)
}

// =============================================================================
// WALLETS AND ACCRUAL
// =============================================================================

func TestAccrualCreditsResolvedBudget(t *testing.T) {
	// GIVEN: a senior and a junior employee and two budget policies
	env := newTestEnv(t, march15)
	env.seed(t)

	// WHEN: accrual runs for the current period
	rec := do(t, env.router, http.MethodPost, "/api/tenants/acme/accrual", "")

	// THEN: both are credited with the budget that applies to them
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AccrualResultDTO](t, rec)
	assert.Equal(t, "2025-03", res.Period)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Errors)

	alice := env.walletOf(t, "alice")
	assert.Equal(t, int64(3000), alice.Balance)
	assert.Equal(t, int64(3000), alice.Available)
	assert.Equal(t, "2025-04-01T00:00:00Z", alice.ExpiresAt)
	require.Len(t, alice.History, 1)
	assert.Equal(t, "accrual", alice.History[0].Type)

	assert.Equal(t, int64(1000), env.walletOf(t, "bob").Balance)

	// AND: a second run credits nobody
	res = decode[AccrualResultDTO](t, do(t, env.router, http.MethodPost, "/api/tenants/acme/accrual", `{"period": "2025-03"}`))
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 2, res.Skipped)

	runs := decode[[]AccrualRunDTO](t, do(t, env.router, http.MethodGet, "/api/tenants/acme/accrual/runs", ""))
	require.Len(t, runs, 2)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestAccrualWithoutPolicies(t *testing.T) {
	env := newTestEnv(t, march15)

	rec := do(t, env.router, http.MethodPost, "/api/tenants/empty/accrual", "")

	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[AccrualResultDTO](t, rec)
	assert.Equal(t, []string{accrual.CodeNoPolicies}, res.Errors)
	assert.Zero(t, res.Created)
}

func TestAccrualInvalidPeriod(t *testing.T) {
	env := newTestEnv(t, march15)
	env.seed(t)

	for _, period := range []string{"March", "2025-+3", "+025"} {
		rec := do(t, env.router, http.MethodPost, "/api/tenants/acme/accrual", `{"period": "`+period+`"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "period %q", period)
	}
}

func TestWalletWithoutAccrualIsZero(t *testing.T) {
	env := newTestEnv(t, march15)

	w := env.walletOf(t, "nobody")

	assert.Empty(t, w.WalletID)
	assert.Zero(t, w.Balance)
	assert.NotNil(t, w.History)
}

func TestReserveSpendRelease(t *testing.T) {
	env := newTestEnv(t, march15)
	env.seed(t)
	postOK(t, env.router, "/api/tenants/acme/accrual", "")
	id := env.walletOf(t, "bob").WalletID
	base := "/api/tenants/acme/wallets/" + id

	// Over-reserving is a business-rule violation
	rec := do(t, env.router, http.MethodPost, base+"/reserve", `{"amount": 5000, "reference_id": "order-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, env.router, http.MethodPost, base+"/reserve", `{"amount": 600, "reference_id": "order-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	w := decode[WalletDTO](t, rec)
	assert.Equal(t, int64(600), w.Reserved)
	assert.Equal(t, int64(400), w.Available)

	rec = do(t, env.router, http.MethodPost, base+"/spend", `{"amount": 400, "reference_id": "order-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	w = decode[WalletDTO](t, rec)
	assert.Equal(t, int64(600), w.Balance)
	assert.Equal(t, int64(200), w.Reserved)

	rec = do(t, env.router, http.MethodPost, base+"/release", `{"amount": 200, "reference_id": "order-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	w = decode[WalletDTO](t, rec)
	assert.Equal(t, int64(600), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)

	history := decode[[]EntryDTO](t, do(t, env.router, http.MethodGet, base+"/history?limit=2", ""))
	require.Len(t, history, 2)
	assert.Equal(t, "release", history[0].Type)
	assert.Equal(t, int64(200), history[0].Amount)
	assert.Equal(t, "spend", history[1].Type)
	assert.Equal(t, int64(-400), history[1].Amount)
}

func TestWalletErrors(t *testing.T) {
	env := newTestEnv(t, march15)
	env.seed(t)
	postOK(t, env.router, "/api/tenants/acme/accrual", "")
	id := env.walletOf(t, "bob").WalletID

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"zero amount", "/api/tenants/acme/wallets/" + id + "/reserve", `{"amount": 0}`, http.StatusBadRequest},
		{"negative amount", "/api/tenants/acme/wallets/" + id + "/spend", `{"amount": -5}`, http.StatusBadRequest},
		{"bad body", "/api/tenants/acme/wallets/" + id + "/reserve", `{`, http.StatusBadRequest},
		{"unknown wallet", "/api/tenants/acme/wallets/wal_missing/reserve", `{"amount": 1}`, http.StatusNotFound},
		{"other tenant", "/api/tenants/other/wallets/" + id + "/reserve", `{"amount": 1}`, http.StatusNotFound},
		{"spend without reservation", "/api/tenants/acme/wallets/" + id + "/spend", `{"amount": 1}`, http.StatusUnprocessableEntity},
		{"not yet expired", "/api/tenants/acme/wallets/" + id + "/expire", "", http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, env.router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}

	rec := do(t, env.router, http.MethodGet, "/api/tenants/acme/wallets/"+id+"/history?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpireAfterPeriodEnd(t *testing.T) {
	env := newTestEnv(t, march15)
	env.seed(t)
	postOK(t, env.router, "/api/tenants/acme/accrual", "")
	id := env.walletOf(t, "bob").WalletID

	// GIVEN: the same store observed after the period ended
	later := time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC)
	ledger := wallet.NewLedger(env.store, wallet.WithClock(func() time.Time { return later }))
	h := NewHandler(ledger, env.runner, env.store, env.store, nil)
	router := NewRouter(h, RouterOptions{})

	// WHEN: the wallet is expired
	rec := do(t, router, http.MethodPost, "/api/tenants/acme/wallets/"+id+"/expire", "")

	// THEN: the available points are written off
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ExpireResponse](t, rec)
	assert.Equal(t, int64(1000), res.Expired)
	assert.Equal(t, int64(0), res.Wallet.Balance)

	// AND: reserving on it is rejected
	rec = do(t, router, http.MethodPost, "/api/tenants/acme/wallets/"+id+"/reserve", `{"amount": 1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// ELIGIBILITY AND BUDGET
// =============================================================================

func TestCheckEligibility(t *testing.T) {
	env := newTestEnv(t, march15)
	env.seed(t)
	postOK(t, env.router, "/api/tenants/acme/benefits/dms/rules",
		`{"conditions": {"match_all": [{"field": "tenure_months", "operator": "gte", "value": 12}]}}`)
	postOK(t, env.router, "/api/tenants/acme/benefits/dms/rules",
		`{"offering_id": "dms-family", "conditions": {"location": "Moscow", "grade": ["senior", "lead"]}}`)

	tests := []struct {
		name     string
		benefit  string
		body     string
		eligible bool
	}{
		{"tenure met", "dms", `{"user_id": "alice"}`, true},
		{"tenure not met", "dms", `{"user_id": "bob"}`, false},
		{"offering rule", "dms", `{"user_id": "alice", "offering_id": "dms-family"}`, true},
		{"offering rule not met", "dms", `{"user_id": "bob", "offering_id": "dms-family"}`, false},
		{"no rules is open access", "gym", `{"user_id": "bob"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, env.router, http.MethodPost, "/api/tenants/acme/benefits/"+tt.benefit+"/eligibility", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.eligible, decode[EligibilityResponse](t, rec).Eligible)
		})
	}

	rec := do(t, env.router, http.MethodPost, "/api/tenants/acme/benefits/dms/eligibility", `{"user_id": "ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, env.router, http.MethodPost, "/api/tenants/acme/benefits/dms/eligibility", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUserPolicy(t *testing.T) {
	env := newTestEnv(t, march15)
	env.seed(t)

	rec := do(t, env.router, http.MethodGet, "/api/tenants/acme/users/alice/policy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pol_senior", decode[PolicyDTO](t, rec).ID)

	rec = do(t, env.router, http.MethodGet, "/api/tenants/acme/users/bob/policy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pol_base", decode[PolicyDTO](t, rec).ID)

	rec = do(t, env.router, http.MethodGet, "/api/tenants/acme/users/ghost/policy", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserPolicyNoneApplies(t *testing.T) {
	env := newTestEnv(t, march15)
	postOK(t, env.router, "/api/tenants/acme/policies",
		`{"name": "Moscow only", "points_amount": 100, "target_filter": {"location": "Moscow"}}`)
	require.NoError(t, env.store.SaveEmployee(context.Background(), accrual.Employee{
		UserID: "kim", TenantID: "acme", Active: true, Profile: condition.Profile{Location: "Kazan"},
	}))

	rec := do(t, env.router, http.MethodGet, "/api/tenants/acme/users/kim/policy", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", string(bytes.TrimSpace(rec.Body.Bytes())))
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCreatePolicyValidation(t *testing.T) {
	env := newTestEnv(t, march15)

	tests := map[string]string{
		"malformed filter": `{"name": "x", "points_amount": 10, "target_filter": {"match_all": "senior"}}`,
		"zero points":      `{"name": "x", "points_amount": 0}`,
		"tenant mismatch":  `{"tenant_id": "other", "name": "x", "points_amount": 10}`,
		"bad json":         `{"name": `,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(t, env.router, http.MethodPost, "/api/tenants/acme/policies", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	policies := decode[[]PolicyDTO](t, do(t, env.router, http.MethodGet, "/api/tenants/acme/policies", ""))
	assert.Empty(t, policies)
}

func TestCreateRuleBenefitMismatch(t *testing.T) {
	env := newTestEnv(t, march15)

	rec := do(t, env.router, http.MethodPost, "/api/tenants/acme/benefits/dms/rules", `{"benefit_id": "gym"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePolicy_ForeignIDIsConflict(t *testing.T) {
	// GIVEN: acme's seeded policies
	env := newTestEnv(t, march15)
	env.seed(t)

	// WHEN: another tenant posts a policy reusing acme's id
	rec := do(t, env.router, http.MethodPost, "/api/tenants/evil/policies",
		`{"id": "pol_base", "name": "Base", "is_active": false, "points_amount": 1}`)

	// THEN: the write is refused and acme's policy is unchanged
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	policies := decode[[]PolicyDTO](t, do(t, env.router, http.MethodGet, "/api/tenants/acme/policies", ""))
	require.Len(t, policies, 2)
	assert.Equal(t, "pol_base", policies[0].ID)
	assert.Equal(t, int64(1000), policies[0].PointsAmount)
	require.NotNil(t, policies[0].IsActive)
	assert.True(t, *policies[0].IsActive)
}

func TestSaveEmployeeValidation(t *testing.T) {
	env := newTestEnv(t, march15)

	assert.Equal(t, http.StatusBadRequest,
		do(t, env.router, http.MethodPost, "/api/tenants/acme/employees", `{"grade": "senior"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, env.router, http.MethodPost, "/api/tenants/acme/employees", `{"user_id": "x", "tenure_months": -1}`).Code)

	postOK(t, env.router, "/api/tenants/acme/employees", `{"user_id": "x", "active": false}`)
	emp, found, err := env.store.Employee(context.Background(), "acme", "x")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, emp.Active)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, march15)

	rec := do(t, env.router, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(accrual.ErrRunInProgress))
	assert.Equal(t, http.StatusConflict, statusFor(wallet.ErrConcurrentModification))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("policy %q: %w", "pol_1", ids.ErrConflict)))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&wallet.InsufficientBalanceError{Available: 1, Requested: 2}))
	assert.Equal(t, http.StatusNotFound, statusFor(wallet.ErrWalletNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(wallet.ErrInvalidPeriod))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
