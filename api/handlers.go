/*
handlers.go - HTTP API handlers for the benefits engine

PURPOSE:
  Exposes wallets, accrual, eligibility and the policy catalog over REST.
  Handles HTTP request/response and JSON, and delegates to the domain
  packages. Every route is scoped by the {tenant} URL parameter.

ENDPOINTS (under /api/tenants/{tenant}):
  Wallets:
    GET    /users/{user}/wallet              Current wallet view
    GET    /wallets/{wallet}/history         Ledger entries, newest first
    POST   /wallets/{wallet}/reserve         Hold points for an order
    POST   /wallets/{wallet}/release         Return held points
    POST   /wallets/{wallet}/spend           Consume held points
    POST   /wallets/{wallet}/expire          Write off an expired wallet

  Accrual:
    POST   /accrual                          Run accrual for a period
    GET    /accrual/runs                     Recent run records

  Eligibility and budget:
    POST   /benefits/{benefit}/eligibility   Can this user use the benefit?
    GET    /users/{user}/policy              Budget policy that applies

  Catalog:
    GET    /policies, POST /policies
    POST   /benefits/{benefit}/rules
    POST   /employees

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status from statusFor:
  - 400: Invalid input, invalid definitions
  - 404: Wallet or employee not found
  - 409: Accrual run already in progress
  - 422: Insufficient balance/reserved, expired wallet
  - 500: Storage and other internal errors

SECURITY NOTE:
  No authentication or authorization here. The tenant in the URL is trusted;
  an upstream gateway is expected to enforce it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/benefits-engine/accrual"
	"github.com/warp/benefits-engine/budget"
	"github.com/warp/benefits-engine/eligibility"
	"github.com/warp/benefits-engine/factory"
	"github.com/warp/benefits-engine/ids"
	"github.com/warp/benefits-engine/wallet"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Catalog is the policy, rule and employee storage used by the handlers.
// store/sqlite and store/postgres implement it.
type Catalog interface {
	SavePolicy(ctx context.Context, p budget.Policy) error
	Policies(ctx context.Context, tenantID string) ([]budget.Policy, error)
	SaveRule(ctx context.Context, r eligibility.Rule) error
	SaveEmployee(ctx context.Context, e accrual.Employee) error
	Employee(ctx context.Context, tenantID, userID string) (accrual.Employee, bool, error)
	Tenants(ctx context.Context) ([]string, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping() error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *wallet.Ledger
	Runner  *accrual.Runner
	Checker *eligibility.Checker
	Catalog Catalog
	Factory *factory.Factory
	Health  Pinger
	Logger  *zap.Logger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler. The checker reads rules through rules.
func NewHandler(ledger *wallet.Ledger, runner *accrual.Runner, rules eligibility.RuleSource, catalog Catalog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		Ledger:  ledger,
		Runner:  runner,
		Checker: eligibility.NewChecker(rules, logger),
		Catalog: catalog,
		Factory: factory.New(),
		Logger:  logger,
	}
	if p, ok := catalog.(Pinger); ok {
		h.Health = p
	}
	return h
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetWallet returns the user's current wallet, or a zero view.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	tenant, user := tenantID(r), chi.URLParam(r, "user")

	view, err := h.Ledger.GetBalance(r.Context(), wallet.TenantID(tenant), wallet.UserID(user))
	if err != nil {
		h.writeDomainError(w, r, "Failed to load wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toViewDTO(view))
}

// GetHistory returns a wallet's ledger entries, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := wallet.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	entries, err := h.Ledger.History(r.Context(), wallet.TenantID(tenantID(r)), walletID(r), limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

type walletOp func(ctx context.Context, tenantID wallet.TenantID, walletID wallet.WalletID, amount int64, referenceID string) (wallet.Wallet, error)

func (h *Handler) handleWalletOp(op walletOp, failure string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WalletOpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		updated, err := op(r.Context(), wallet.TenantID(tenantID(r)), walletID(r), req.Amount, req.ReferenceID)
		if err != nil {
			h.writeDomainError(w, r, failure, err)
			return
		}
		writeJSON(w, http.StatusOK, toWalletDTO(updated))
	}
}

// Reserve holds points for an order.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.handleWalletOp(h.Ledger.Reserve, "Failed to reserve points")(w, r)
}

// Release returns held points.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.handleWalletOp(h.Ledger.Release, "Failed to release points")(w, r)
}

// Spend consumes held points.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	h.handleWalletOp(h.Ledger.Spend, "Failed to spend points")(w, r)
}

// Expire writes off the available points of an expired wallet.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	updated, points, err := h.Ledger.Expire(r.Context(), wallet.TenantID(tenantID(r)), walletID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to expire wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Wallet: toWalletDTO(updated), Expired: points})
}

// =============================================================================
// ACCRUAL HANDLERS
// =============================================================================

// RunAccrual credits the period's points to every eligible employee.
func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	period := wallet.Period(req.Period)
	if period == "" {
		period = h.Runner.CurrentPeriod()
	}

	res, err := h.Runner.Run(r.Context(), tenantID(r), period)
	if err != nil && !errors.Is(err, accrual.ErrNoPolicies) {
		h.writeDomainError(w, r, "Failed to run accrual", err)
		return
	}

	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, AccrualResultDTO{
		Period:  string(period),
		Created: res.Created,
		Skipped: res.Skipped,
		Errors:  errs,
	})
}

// ListAccrualRuns returns the tenant's recent runs.
func (h *Handler) ListAccrualRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Runner.Runs(r.Context(), tenantID(r), 0)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list accrual runs", err)
		return
	}

	dtos := make([]AccrualRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAccrualRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ELIGIBILITY AND BUDGET HANDLERS
// =============================================================================

// CheckEligibility decides whether a user may use a benefit or offering.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var req EligibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	tenant, benefit := tenantID(r), chi.URLParam(r, "benefit")
	emp, ok := h.loadEmployee(w, r, tenant, req.UserID)
	if !ok {
		return
	}

	eligible, err := h.Checker.Check(r.Context(), tenant, benefit, req.OfferingID, emp.Profile)
	if err != nil {
		h.writeDomainError(w, r, "Failed to check eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, EligibilityResponse{
		BenefitID:  benefit,
		OfferingID: req.OfferingID,
		UserID:     req.UserID,
		Eligible:   eligible,
	})
}

// GetUserPolicy returns the budget policy that applies to a user, or null.
func (h *Handler) GetUserPolicy(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	emp, ok := h.loadEmployee(w, r, tenant, chi.URLParam(r, "user"))
	if !ok {
		return
	}

	policies, err := h.Catalog.Policies(r.Context(), tenant)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load policies", err)
		return
	}

	policy, found := budget.Resolve(emp.Profile, budget.Active(policies))
	if !found {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	dto, err := factory.PolicyToJSON(policy)
	if err != nil {
		h.writeDomainError(w, r, "Failed to encode policy", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) loadEmployee(w http.ResponseWriter, r *http.Request, tenant, userID string) (accrual.Employee, bool) {
	emp, found, err := h.Catalog.Employee(r.Context(), tenant, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load employee", err)
		return accrual.Employee{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, "Employee not found", nil)
		return accrual.Employee{}, false
	}
	return emp, true
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListPolicies returns the tenant's budget policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Catalog.Policies(r.Context(), tenantID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list policies", err)
		return
	}

	dtos := make([]PolicyDTO, 0, len(policies))
	for _, p := range policies {
		dto, err := factory.PolicyToJSON(p)
		if err != nil {
			h.writeDomainError(w, r, "Failed to encode policy", err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy stores a budget policy from its JSON definition.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !sameTenant(w, r, &req.TenantID) {
		return
	}

	policy, err := h.Factory.PolicyFromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}
	if err := h.Catalog.SavePolicy(r.Context(), policy); err != nil {
		h.writeDomainError(w, r, "Failed to save policy", err)
		return
	}

	dto, err := factory.PolicyToJSON(policy)
	if err != nil {
		h.writeDomainError(w, r, "Failed to encode policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// CreateRule stores an eligibility rule for a benefit.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !sameTenant(w, r, &req.TenantID) {
		return
	}
	benefit := chi.URLParam(r, "benefit")
	if req.BenefitID != "" && req.BenefitID != benefit {
		writeError(w, http.StatusBadRequest, "benefit_id does not match the URL", nil)
		return
	}
	req.BenefitID = benefit

	rule, err := h.Factory.RuleFromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule", err)
		return
	}
	if err := h.Catalog.SaveRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, r, "Failed to save rule", err)
		return
	}

	dto, err := factory.RuleToJSON(rule)
	if err != nil {
		h.writeDomainError(w, r, "Failed to encode rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// SaveEmployee creates or replaces an employee profile.
func (h *Handler) SaveEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if req.TenureMonths < 0 {
		writeError(w, http.StatusBadRequest, "tenure_months must not be negative", nil)
		return
	}

	if err := h.Catalog.SaveEmployee(r.Context(), req.toEmployee(tenantID(r))); err != nil {
		h.writeDomainError(w, r, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// HEALTH
// =============================================================================

// GetHealth reports whether storage is reachable.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func tenantID(r *http.Request) string {
	return chi.URLParam(r, "tenant")
}

func walletID(r *http.Request) wallet.WalletID {
	return wallet.WalletID(chi.URLParam(r, "wallet"))
}

// sameTenant fills an empty body tenant from the URL and rejects a mismatch.
func sameTenant(w http.ResponseWriter, r *http.Request, bodyTenant *string) bool {
	tenant := tenantID(r)
	if *bodyTenant != "" && *bodyTenant != tenant {
		writeError(w, http.StatusBadRequest, "tenant_id does not match the URL", nil)
		return false
	}
	*bodyTenant = tenant
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case wallet.IsClientError(err), errors.Is(err, factory.ErrInvalidDefinition):
		return http.StatusBadRequest
	case wallet.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, accrual.ErrRunInProgress), errors.Is(err, ids.ErrConflict), wallet.IsRetryable(err):
		return http.StatusConflict
	case wallet.IsBusinessRule(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
