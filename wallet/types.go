/*
Package wallet provides the points ledger: per-period wallets and the
append-only entries that move their balances.

PURPOSE:
  Every employee gets one wallet per (tenant, period). Points arrive by
  accrual, are held by reserve when an order is placed, leave by spend when
  the order is fulfilled, return to the available pool by release when it
  is cancelled, and are written off by expire when the period ends.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: cached Balance and Reserved for one (user, tenant, period)
  - Entry: one immutable ledger row; the source of truth
  - Period: textual period key ("2025-03", "2025-Q1", "2025")

INVARIANTS:
  Balance  = sum(accrual) - sum(spend) - sum(expire)
  Reserved = outstanding reserves not yet released or spent, floored at 0
  0 <= Reserved <= Balance
  at most one wallet per (user, tenant, period)
  at most one accrual entry per wallet

  The cached fields on Wallet are a projection. Recompute (ledger.go) is the
  one place the projection is defined.

SEE ALSO:
  - ledger.go: the operations that mutate wallets
  - store.go: persistence contract
  - period.go: period keys and expiry dates
*/
package wallet

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type UserID string
type WalletID string
type EntryID string

// =============================================================================
// WALLET
// =============================================================================

// Wallet is one employee's points for one period.
type Wallet struct {
	ID        WalletID
	UserID    UserID
	TenantID  TenantID
	Period    Period
	Balance   int64
	Reserved  int64
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available is what can still be reserved.
func (w Wallet) Available() int64 {
	return w.Balance - w.Reserved
}

// ExpiredAt reports whether the wallet is past its expiry at t.
func (w Wallet) ExpiredAt(t time.Time) bool {
	return !w.ExpiresAt.IsZero() && t.After(w.ExpiresAt)
}

// =============================================================================
// ENTRY - Immutable ledger row
// =============================================================================

type EntryType string

const (
	EntryAccrual EntryType = "accrual"
	EntrySpend   EntryType = "spend"
	EntryReserve EntryType = "reserve"
	EntryRelease EntryType = "release"
	EntryExpire  EntryType = "expire"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryAccrual, EntrySpend, EntryReserve, EntryRelease, EntryExpire:
		return true
	}
	return false
}

// Sign is the sign Amount carries for this type: +1 for accrual and
// release, -1 for spend, reserve and expire.
func (t EntryType) Sign() int64 {
	switch t {
	case EntryAccrual, EntryRelease:
		return 1
	default:
		return -1
	}
}

// Entry is one ledger row. Entries are never updated or deleted.
type Entry struct {
	ID             EntryID
	WalletID       WalletID
	Type           EntryType
	Amount         int64 // signed, see EntryType.Sign
	Description    string
	ReferenceID    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Magnitude is the absolute amount of the entry.
func (e Entry) Magnitude() int64 {
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}
