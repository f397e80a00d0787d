/*
errors.go - Error types for the wallet ledger

ERROR CATEGORIES:
  1. Business rule violations - insufficient balance/reserved, expiry
  2. Lookup failures - wallet not found (also for other tenants' wallets)
  3. Store conflicts - duplicate wallet/accrual, concurrent modification

  Storage errors are wrapped with context and propagated as-is. The ledger
  never retries.

SEE ALSO:
  - ledger.go: returns these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package wallet

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a reserve exceeds available points.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientReserved is returned when a spend exceeds reserved points.
	ErrInsufficientReserved = errors.New("insufficient reserved points")

	// ErrWalletNotFound is returned for unknown wallets and for wallets owned
	// by another tenant.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExpired is returned when reserving against an expired wallet.
	ErrWalletExpired = errors.New("wallet expired")

	// ErrNotYetExpired is returned when expiring a wallet before ExpiresAt.
	ErrNotYetExpired = errors.New("wallet not yet expired")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidInput is returned when a required identifier is missing.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPeriod is returned for period keys that cannot be parsed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrDuplicateAccrual is returned by stores when a wallet already has its
	// accrual entry. The ledger turns it into a no-op result.
	ErrDuplicateAccrual = errors.New("duplicate accrual")

	// ErrDuplicateWallet is returned by stores when a wallet for the same
	// (user, tenant, period) already exists.
	ErrDuplicateWallet = errors.New("duplicate wallet")

	// ErrConcurrentModification is returned when the store detects a
	// conflicting write.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError details a rejected reserve.
type InsufficientBalanceError struct {
	WalletID  WalletID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: wallet %s available %d, requested %d, shortfall %d",
		e.WalletID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall is how many points are missing.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Requested - e.Available
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the request itself was invalid.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsBusinessRule returns true if the request was well-formed but the wallet
// state does not allow it.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientReserved) ||
		errors.Is(err, ErrWalletExpired) ||
		errors.Is(err, ErrNotYetExpired)
}

// IsNotFound returns true if the error indicates a missing wallet.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound)
}
