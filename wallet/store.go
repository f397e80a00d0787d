/*
store.go - Persistence contract for wallets and ledger entries

APPEND-ONLY CONTRACT:
  Entries are written with AppendEntry and never updated or deleted. Wallet
  rows carry a cached Balance/Reserved projection and are updated in the
  same unit of work as the entry that changes them.

ATOMICITY:
  Every mutation runs inside Store.Atomic. Within fn, the wallet read with
  a ForUpdate method is locked against concurrent mutation until fn
  returns. If fn returns an error nothing is persisted.

  Implementations:
    - wallet/store/memory.go: process mutex + snapshot/rollback
    - store/sqlite: write transaction (serialized writer)
    - store/postgres: SELECT ... FOR UPDATE

IDEMPOTENCY:
  AppendEntry rejects a second accrual for the same wallet, and any repeated
  non-empty IdempotencyKey, with ErrDuplicateAccrual. CreateWallet rejects a
  second wallet for the same (user, tenant, period) with ErrDuplicateWallet.

SEE ALSO:
  - ledger.go: the only caller of Tx
*/
package wallet

import (
	"context"
	"time"
)

// Store persists wallets and entries.
type Store interface {
	Reader

	// Atomic runs fn in one unit of work.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Reader is the read side of the store. Reads see committed state only.
type Reader interface {
	// GetWallet returns ErrWalletNotFound when the wallet does not exist.
	GetWallet(ctx context.Context, id WalletID) (Wallet, error)

	// LatestWallet returns the user's wallet with the latest period among
	// wallets not expired at asOf.
	LatestWallet(ctx context.Context, tenantID TenantID, userID UserID, asOf time.Time) (Wallet, bool, error)

	// ListEntries returns a wallet's entries, newest first. limit <= 0
	// returns all of them.
	ListEntries(ctx context.Context, walletID WalletID, limit int) ([]Entry, error)

	// DueForExpiry returns wallets expired at asOf that still hold
	// available points.
	DueForExpiry(ctx context.Context, asOf time.Time) ([]Wallet, error)
}

// Tx is the store as seen from inside Atomic.
type Tx interface {
	// WalletForUpdate loads and locks a wallet. ErrWalletNotFound if absent.
	WalletForUpdate(ctx context.Context, id WalletID) (Wallet, error)

	// WalletByKeyForUpdate loads and locks the wallet for (user, tenant,
	// period), if any.
	WalletByKeyForUpdate(ctx context.Context, tenantID TenantID, userID UserID, period Period) (Wallet, bool, error)

	CreateWallet(ctx context.Context, w Wallet) error
	SaveWallet(ctx context.Context, w Wallet) error

	// HasAccrual reports whether the wallet already has its accrual entry.
	HasAccrual(ctx context.Context, walletID WalletID) (bool, error)

	AppendEntry(ctx context.Context, e Entry) error
}
