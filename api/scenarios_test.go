package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/wallet"
)

func TestListScenarios(t *testing.T) {
	env := newTestEnv(t, march15)

	rec := do(t, env.router, http.MethodGet, "/api/scenarios/", "")

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarios))
	assert.Equal(t, "grade-budgets", list[0].ID)
}

func TestLoadScenario_GradeBudgets(t *testing.T) {
	// GIVEN: an empty store
	env := newTestEnv(t, march15)

	// WHEN: the grade-budgets scenario is loaded
	rec := do(t, env.router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "grade-budgets"}`)

	// THEN: active employees are credited with their resolved budgets
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ctx := context.Background()

	alice, err := env.ledger.GetBalance(ctx, DemoTenant, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), alice.Balance)

	carol, err := env.ledger.GetBalance(ctx, DemoTenant, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), carol.Balance, "lead without 12 months tenure gets the base budget")

	dave, err := env.ledger.GetBalance(ctx, DemoTenant, "dave")
	require.NoError(t, err)
	assert.Equal(t, wallet.WalletID(""), dave.WalletID, "inactive employees are not credited")

	current := decode[ScenarioDTO](t, do(t, env.router, http.MethodGet, "/api/scenarios/current", ""))
	assert.Equal(t, "grade-budgets", current.ID)

	// AND: loading again changes nothing
	rec = do(t, env.router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "grade-budgets"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(0), body["created"])

	alice, err = env.ledger.GetBalance(ctx, DemoTenant, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), alice.Balance)
}

func TestLoadScenario_Unknown(t *testing.T) {
	env := newTestEnv(t, march15)

	rec := do(t, env.router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarioRoutesDisabled(t *testing.T) {
	env := newTestEnv(t, march15)
	router := NewRouter(env.handler, RouterOptions{})

	rec := do(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "grade-budgets"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerSweepAndAccrue(t *testing.T) {
	env := newTestEnv(t, march15)
	env.seed(t)

	ctx := context.Background()
	s := NewScheduler(env.ledger, env.runner, env.store, nil)
	s.Accrue(ctx)

	bob, err := env.ledger.GetBalance(ctx, "acme", "bob")
	require.NoError(t, err)
	require.Equal(t, int64(1000), bob.Balance)

	// After the period ends the sweep writes the points off.
	s.now = func() time.Time { return time.Date(2025, time.April, 1, 0, 0, 1, 0, time.UTC) }
	s.Sweep(ctx)

	w, err := env.store.GetWallet(ctx, bob.WalletID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
	assert.False(t, s.LastSweep().IsZero())
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t, march15)
	s := NewScheduler(env.ledger, env.runner, env.store, nil)
	s.SweepInterval = time.Hour
	s.AccrualInterval = time.Hour

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
