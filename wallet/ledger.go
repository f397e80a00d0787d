/*
ledger.go - Wallet operations over the append-only points ledger

PURPOSE:
  The Ledger is the only writer of wallets. Each operation runs in one
  Store.Atomic unit: lock the wallet, validate against its current state,
  append exactly one entry, save the updated projection. A rejected
  operation writes nothing.

OPERATIONS:
  Accrue   +amount to Balance; creates the wallet; once per wallet
  Reserve  +amount to Reserved; needs amount <= Available; wallet not expired
  Release  -amount from Reserved, floored at 0
  Spend    -amount from Balance and Reserved; needs amount <= Reserved
  Expire   -Available from Balance once the wallet is past ExpiresAt

  Reserved points survive expiry; pending orders can still be spent or
  released.

EXAMPLE FLOW:
  Accrue 1000    balance 1000  reserved 0    available 1000
  Reserve 300    balance 1000  reserved 300  available 700
  Spend 300      balance 700   reserved 0    available 700
  Reserve 200    balance 700   reserved 200  available 500
  Release 200    balance 700   reserved 0    available 700

SEE ALSO:
  - store.go: persistence contract
  - accrual/runner.go: batch accrual on top of Accrue
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/benefits-engine/ids"
	"go.uber.org/zap"
)

// DefaultHistoryLimit is how many entries GetBalance includes.
const DefaultHistoryLimit = 20

// =============================================================================
// LEDGER
// =============================================================================

// Ledger applies wallet operations against a Store.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  ids.Generator
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides how wallet and entry IDs are generated.
func WithIDGenerator(gen ids.Generator) Option {
	return func(l *Ledger) { l.newID = gen }
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  ids.New,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// ACCRUE
// =============================================================================

// AccrueInput describes one period's grant to one employee.
type AccrueInput struct {
	UserID      UserID
	TenantID    TenantID
	Period      Period
	Amount      int64
	ExpiresAt   time.Time
	Description string
}

// AccrueResult reports what Accrue did. Duplicate is set, with no error,
// when the wallet already had its accrual for the period.
type AccrueResult struct {
	Wallet        Wallet
	Entry         Entry
	WalletCreated bool
	Duplicate     bool
}

// AccrualKey is the idempotency key of the accrual entry for a wallet.
func AccrualKey(tenantID TenantID, userID UserID, period Period) string {
	return fmt.Sprintf("accrual:%s:%s:%s", tenantID, userID, period)
}

// Accrue credits a period's points, creating the wallet on first use.
// Calling it again for the same (user, tenant, period) changes nothing.
func (l *Ledger) Accrue(ctx context.Context, in AccrueInput) (AccrueResult, error) {
	if in.Amount <= 0 {
		return AccrueResult{}, ErrInvalidAmount
	}
	if in.TenantID == "" || in.UserID == "" {
		return AccrueResult{}, fmt.Errorf("%w: tenant and user are required", ErrInvalidInput)
	}
	if err := in.Period.Validate(); err != nil {
		return AccrueResult{}, err
	}
	if in.ExpiresAt.IsZero() {
		return AccrueResult{}, fmt.Errorf("%w: expiry is required", ErrInvalidInput)
	}

	now := l.now()
	var res AccrueResult

	err := l.store.Atomic(ctx, func(tx Tx) error {
		res = AccrueResult{}

		w, found, err := tx.WalletByKeyForUpdate(ctx, in.TenantID, in.UserID, in.Period)
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}

		if found {
			has, err := tx.HasAccrual(ctx, w.ID)
			if err != nil {
				return fmt.Errorf("check accrual: %w", err)
			}
			if has {
				res.Wallet = w
				res.Duplicate = true
				return nil
			}
		} else {
			w = Wallet{
				ID:        WalletID(l.newID(ids.PrefixWallet)),
				UserID:    in.UserID,
				TenantID:  in.TenantID,
				Period:    in.Period,
				ExpiresAt: in.ExpiresAt,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.CreateWallet(ctx, w); err != nil {
				return fmt.Errorf("create wallet: %w", err)
			}
			res.WalletCreated = true
		}

		description := in.Description
		if description == "" {
			description = fmt.Sprintf("Accrual for period %s", in.Period)
		}
		entry := Entry{
			ID:             EntryID(l.newID(ids.PrefixEntry)),
			WalletID:       w.ID,
			Type:           EntryAccrual,
			Amount:         in.Amount,
			Description:    description,
			IdempotencyKey: AccrualKey(in.TenantID, in.UserID, in.Period),
			CreatedAt:      now,
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return fmt.Errorf("append accrual: %w", err)
		}

		w.Balance += in.Amount
		w.UpdatedAt = now
		if err := tx.SaveWallet(ctx, w); err != nil {
			return fmt.Errorf("save wallet: %w", err)
		}

		res.Wallet = w
		res.Entry = entry
		return nil
	})

	if errors.Is(err, ErrDuplicateAccrual) || errors.Is(err, ErrDuplicateWallet) {
		// Lost a race with a concurrent accrual of the same period.
		l.logger.Info("accrual already recorded",
			zap.String("tenant_id", string(in.TenantID)),
			zap.String("user_id", string(in.UserID)),
			zap.String("period", string(in.Period)))
		return AccrueResult{Duplicate: true}, nil
	}
	if err != nil {
		return AccrueResult{}, fmt.Errorf("accrue %s/%s/%s: %w", in.TenantID, in.UserID, in.Period, err)
	}

	if res.Duplicate {
		l.logger.Debug("accrual skipped, already recorded",
			zap.String("wallet_id", string(res.Wallet.ID)),
			zap.String("period", string(in.Period)))
	} else {
		l.logger.Info("points accrued",
			zap.String("wallet_id", string(res.Wallet.ID)),
			zap.String("user_id", string(in.UserID)),
			zap.String("period", string(in.Period)),
			zap.Int64("amount", in.Amount),
			zap.Bool("wallet_created", res.WalletCreated))
	}
	return res, nil
}

// =============================================================================
// RESERVE / RELEASE / SPEND / EXPIRE
// =============================================================================

// Reserve holds points against an order.
func (l *Ledger) Reserve(ctx context.Context, tenantID TenantID, walletID WalletID, amount int64, referenceID string) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, ErrInvalidAmount
	}
	w, _, err := l.mutate(ctx, "reserve", tenantID, walletID, l.now(), func(w *Wallet, now time.Time) (*Entry, error) {
		if w.ExpiredAt(now) {
			return nil, ErrWalletExpired
		}
		if amount > w.Available() {
			return nil, &InsufficientBalanceError{WalletID: w.ID, Available: w.Available(), Requested: amount}
		}
		w.Reserved += amount
		return &Entry{
			Type:        EntryReserve,
			Amount:      -amount,
			Description: "Points reserved",
			ReferenceID: referenceID,
		}, nil
	})
	return w, err
}

// Release returns reserved points to the available pool. Releasing more
// than is reserved clears the reservation.
func (l *Ledger) Release(ctx context.Context, tenantID TenantID, walletID WalletID, amount int64, referenceID string) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, ErrInvalidAmount
	}
	w, _, err := l.mutate(ctx, "release", tenantID, walletID, l.now(), func(w *Wallet, _ time.Time) (*Entry, error) {
		w.Reserved = floorZero(w.Reserved - amount)
		return &Entry{
			Type:        EntryRelease,
			Amount:      amount,
			Description: "Reservation released",
			ReferenceID: referenceID,
		}, nil
	})
	return w, err
}

// Spend consumes previously reserved points.
func (l *Ledger) Spend(ctx context.Context, tenantID TenantID, walletID WalletID, amount int64, referenceID string) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, ErrInvalidAmount
	}
	w, _, err := l.mutate(ctx, "spend", tenantID, walletID, l.now(), func(w *Wallet, _ time.Time) (*Entry, error) {
		if amount > w.Reserved {
			return nil, fmt.Errorf("%w: reserved %d, requested %d", ErrInsufficientReserved, w.Reserved, amount)
		}
		w.Balance -= amount
		w.Reserved -= amount
		return &Entry{
			Type:        EntrySpend,
			Amount:      -amount,
			Description: "Points spent",
			ReferenceID: referenceID,
		}, nil
	})
	return w, err
}

// Expire writes off the available points of an expired wallet and returns
// how many were expired. Reserved points are left alone. A wallet with
// nothing available gets no entry.
func (l *Ledger) Expire(ctx context.Context, tenantID TenantID, walletID WalletID) (Wallet, int64, error) {
	return l.expireAt(ctx, tenantID, walletID, l.now())
}

func (l *Ledger) expireAt(ctx context.Context, tenantID TenantID, walletID WalletID, at time.Time) (Wallet, int64, error) {
	w, e, err := l.mutate(ctx, "expire", tenantID, walletID, at, func(w *Wallet, now time.Time) (*Entry, error) {
		if !w.ExpiredAt(now) {
			return nil, fmt.Errorf("%w: expires at %s", ErrNotYetExpired, w.ExpiresAt.Format(time.RFC3339))
		}
		available := w.Available()
		if available <= 0 {
			return nil, nil
		}
		w.Balance -= available
		return &Entry{
			Type:        EntryExpire,
			Amount:      -available,
			Description: fmt.Sprintf("Points expired for period %s", w.Period),
		}, nil
	})
	if err != nil || e == nil {
		return w, 0, err
	}
	return w, e.Magnitude(), nil
}

// mutation adjusts w in place and returns the entry to record, or nil to
// record nothing.
type mutation func(w *Wallet, now time.Time) (*Entry, error)

func (l *Ledger) mutate(ctx context.Context, op string, tenantID TenantID, walletID WalletID, at time.Time, fn mutation) (Wallet, *Entry, error) {
	var (
		out     Wallet
		written *Entry
	)

	err := l.store.Atomic(ctx, func(tx Tx) error {
		written = nil

		w, err := tx.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if w.TenantID != tenantID {
			return ErrWalletNotFound
		}

		e, err := fn(&w, at)
		if err != nil {
			return err
		}
		out = w
		if e == nil {
			return nil
		}

		e.ID = EntryID(l.newID(ids.PrefixEntry))
		e.WalletID = w.ID
		e.CreatedAt = at
		if err := tx.AppendEntry(ctx, *e); err != nil {
			return fmt.Errorf("append entry: %w", err)
		}

		w.UpdatedAt = at
		if err := tx.SaveWallet(ctx, w); err != nil {
			return fmt.Errorf("save wallet: %w", err)
		}
		out = w
		written = e
		return nil
	})
	if err != nil {
		l.logger.Debug("wallet operation rejected",
			zap.String("op", op),
			zap.String("wallet_id", string(walletID)),
			zap.Error(err))
		return Wallet{}, nil, fmt.Errorf("%s wallet %s: %w", op, walletID, err)
	}

	if written != nil {
		l.logger.Info("wallet updated",
			zap.String("op", op),
			zap.String("wallet_id", string(walletID)),
			zap.Int64("amount", written.Amount),
			zap.String("reference_id", written.ReferenceID),
			zap.Int64("balance", out.Balance),
			zap.Int64("reserved", out.Reserved))
	}
	return out, written, nil
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

// SweepResult summarizes one ExpireDue pass.
type SweepResult struct {
	Checked int
	Expired int
	Points  int64
	Errors  []string
}

// ExpireDue expires every wallet past its expiry at asOf that still has
// available points. Failures are recorded per wallet and do not stop the
// sweep.
func (l *Ledger) ExpireDue(ctx context.Context, asOf time.Time) (SweepResult, error) {
	due, err := l.store.DueForExpiry(ctx, asOf)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list wallets due for expiry: %w", err)
	}

	res := SweepResult{Checked: len(due)}
	for _, w := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, points, err := l.expireAt(ctx, w.TenantID, w.ID, asOf)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", w.ID, err))
			l.logger.Warn("wallet expiry failed", zap.String("wallet_id", string(w.ID)), zap.Error(err))
			continue
		}
		if points > 0 {
			res.Expired++
			res.Points += points
		}
	}

	l.logger.Info("expiry sweep finished",
		zap.Time("as_of", asOf),
		zap.Int("checked", res.Checked),
		zap.Int("expired", res.Expired),
		zap.Int64("points", res.Points),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// =============================================================================
// READS
// =============================================================================

// View is what an employee sees of their current wallet.
type View struct {
	WalletID  WalletID
	Period    Period
	Balance   int64
	Reserved  int64
	Available int64
	ExpiresAt time.Time
	History   []Entry
}

// GetBalance returns the user's most recent non-expired wallet, or a zero
// View when there is none.
func (l *Ledger) GetBalance(ctx context.Context, tenantID TenantID, userID UserID) (View, error) {
	w, found, err := l.store.LatestWallet(ctx, tenantID, userID, l.now())
	if err != nil {
		return View{}, fmt.Errorf("load wallet: %w", err)
	}
	if !found {
		return View{History: []Entry{}}, nil
	}

	history, err := l.store.ListEntries(ctx, w.ID, DefaultHistoryLimit)
	if err != nil {
		return View{}, fmt.Errorf("load history: %w", err)
	}
	return View{
		WalletID:  w.ID,
		Period:    w.Period,
		Balance:   w.Balance,
		Reserved:  w.Reserved,
		Available: w.Available(),
		ExpiresAt: w.ExpiresAt,
		History:   history,
	}, nil
}

// Wallet returns a wallet of the tenant.
func (l *Ledger) Wallet(ctx context.Context, tenantID TenantID, walletID WalletID) (Wallet, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return Wallet{}, err
	}
	if w.TenantID != tenantID {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// History returns a wallet's entries, newest first.
func (l *Ledger) History(ctx context.Context, tenantID TenantID, walletID WalletID, limit int) ([]Entry, error) {
	if _, err := l.Wallet(ctx, tenantID, walletID); err != nil {
		return nil, err
	}
	entries, err := l.store.ListEntries(ctx, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

// =============================================================================
// REPLAY
// =============================================================================

// State is the projection of a wallet's ledger.
type State struct {
	Balance  int64
	Reserved int64
}

// Available is Balance minus Reserved.
func (s State) Available() int64 { return s.Balance - s.Reserved }

// Recompute replays entries, oldest first, into the wallet projection.
// It is the definition the cached Wallet fields must agree with.
func Recompute(entries []Entry) State {
	var s State
	for _, e := range entries {
		amount := e.Magnitude()
		switch e.Type {
		case EntryAccrual:
			s.Balance += amount
		case EntryReserve:
			s.Reserved += amount
		case EntryRelease:
			s.Reserved = floorZero(s.Reserved - amount)
		case EntrySpend:
			s.Balance -= amount
			s.Reserved = floorZero(s.Reserved - amount)
		case EntryExpire:
			s.Balance -= amount
		}
	}
	return s
}

// VerifyResult compares a wallet's cached projection with its replay.
type VerifyResult struct {
	Wallet     Wallet
	Recomputed State
	Consistent bool
}

// Verify replays a wallet's ledger and checks it against the stored wallet.
func (l *Ledger) Verify(ctx context.Context, tenantID TenantID, walletID WalletID) (VerifyResult, error) {
	w, err := l.Wallet(ctx, tenantID, walletID)
	if err != nil {
		return VerifyResult{}, err
	}
	entries, err := l.store.ListEntries(ctx, walletID, 0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load entries: %w", err)
	}

	// ListEntries is newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	s := Recompute(entries)
	res := VerifyResult{
		Wallet:     w,
		Recomputed: s,
		Consistent: s.Balance == w.Balance && s.Reserved == w.Reserved,
	}
	if !res.Consistent {
		l.logger.Error("wallet projection drift",
			zap.String("wallet_id", string(w.ID)),
			zap.Int64("balance", w.Balance),
			zap.Int64("recomputed_balance", s.Balance),
			zap.Int64("reserved", w.Reserved),
			zap.Int64("recomputed_reserved", s.Reserved))
	}
	return res, nil
}

func floorZero(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
