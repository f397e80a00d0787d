/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface. Domain types carry no json tags; the
  conversion happens here so the wire contract can evolve on its own.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Wallet:      WalletDTO, EntryDTO, WalletOpRequest, ExpireResponse
  Accrual:     AccrualRequest, AccrualResultDTO, AccrualRunDTO
  Eligibility: EligibilityRequest, EligibilityResponse
  Catalog:     PolicyDTO (factory.PolicyJSON), RuleDTO (factory.RuleJSON),
               EmployeeDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the domain, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON and RuleJSON
*/
package api

import (
	"time"

	"github.com/warp/benefits-engine/accrual"
	"github.com/warp/benefits-engine/condition"
	"github.com/warp/benefits-engine/factory"
	"github.com/warp/benefits-engine/wallet"
)

// =============================================================================
// WALLETS
// =============================================================================

// WalletDTO is a wallet with its recent history.
type WalletDTO struct {
	WalletID  string     `json:"wallet_id,omitempty"`
	Period    string     `json:"period,omitempty"`
	Balance   int64      `json:"balance"`
	Reserved  int64      `json:"reserved"`
	Available int64      `json:"available"`
	ExpiresAt string     `json:"expires_at,omitempty"`
	History   []EntryDTO `json:"history"`
}

// EntryDTO is one ledger entry.
type EntryDTO struct {
	ID          string `json:"id"`
	WalletID    string `json:"wallet_id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// WalletOpRequest is the body of reserve, release and spend.
type WalletOpRequest struct {
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

// ExpireResponse reports a manual expiry.
type ExpireResponse struct {
	Wallet  WalletDTO `json:"wallet"`
	Expired int64     `json:"expired"`
}

func toWalletDTO(w wallet.Wallet) WalletDTO {
	return WalletDTO{
		WalletID:  string(w.ID),
		Period:    string(w.Period),
		Balance:   w.Balance,
		Reserved:  w.Reserved,
		Available: w.Available(),
		ExpiresAt: formatTime(w.ExpiresAt),
		History:   []EntryDTO{},
	}
}

func toViewDTO(v wallet.View) WalletDTO {
	return WalletDTO{
		WalletID:  string(v.WalletID),
		Period:    string(v.Period),
		Balance:   v.Balance,
		Reserved:  v.Reserved,
		Available: v.Available,
		ExpiresAt: formatTime(v.ExpiresAt),
		History:   toEntryDTOs(v.History),
	}
}

func toEntryDTOs(entries []wallet.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = EntryDTO{
			ID:          string(e.ID),
			WalletID:    string(e.WalletID),
			Type:        string(e.Type),
			Amount:      e.Amount,
			Description: e.Description,
			ReferenceID: e.ReferenceID,
			CreatedAt:   formatTime(e.CreatedAt),
		}
	}
	return dtos
}

// =============================================================================
// ACCRUAL
// =============================================================================

// AccrualRequest triggers an accrual run. An empty period means the current one.
type AccrualRequest struct {
	Period string `json:"period"`
}

// AccrualResultDTO is the outcome of a run.
type AccrualResultDTO struct {
	Period  string   `json:"period"`
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// AccrualRunDTO is a recorded run.
type AccrualRunDTO struct {
	ID          string   `json:"id"`
	Period      string   `json:"period"`
	Status      string   `json:"status"`
	Created     int      `json:"created"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

func toAccrualRunDTO(r accrual.Run) AccrualRunDTO {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return AccrualRunDTO{
		ID:          r.ID,
		Period:      r.Period,
		Status:      string(r.Status),
		Created:     r.Created,
		Skipped:     r.Skipped,
		Errors:      errs,
		StartedAt:   formatTime(r.StartedAt),
		CompletedAt: formatTime(r.CompletedAt),
	}
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

// EligibilityRequest asks whether a user may use a benefit.
type EligibilityRequest struct {
	UserID     string `json:"user_id"`
	OfferingID string `json:"offering_id,omitempty"`
}

// EligibilityResponse is the decision.
type EligibilityResponse struct {
	BenefitID  string `json:"benefit_id"`
	OfferingID string `json:"offering_id,omitempty"`
	UserID     string `json:"user_id"`
	Eligible   bool   `json:"eligible"`
}

// =============================================================================
// CATALOG
// =============================================================================

// PolicyDTO is a budget policy on the wire.
type PolicyDTO = factory.PolicyJSON

// RuleDTO is an eligibility rule on the wire.
type RuleDTO = factory.RuleJSON

// EmployeeDTO is an employee profile.
type EmployeeDTO struct {
	UserID       string         `json:"user_id"`
	Grade        string         `json:"grade,omitempty"`
	TenureMonths int            `json:"tenure_months"`
	Location     string         `json:"location,omitempty"`
	LegalEntity  string         `json:"legal_entity,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	Active       *bool          `json:"active,omitempty"`
}

func (d EmployeeDTO) toEmployee(tenantID string) accrual.Employee {
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return accrual.Employee{
		UserID:   d.UserID,
		TenantID: tenantID,
		Active:   active,
		Profile: condition.Profile{
			Grade:        d.Grade,
			TenureMonths: d.TenureMonths,
			Location:     d.Location,
			LegalEntity:  d.LegalEntity,
			Extra:        d.Extra,
		},
	}
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
