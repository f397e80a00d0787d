package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/warp/benefits-engine/wallet"
)

var _ wallet.Store = (*Store)(nil)

const walletColumns = `id, user_id, tenant_id, period, balance, reserved, expires_at, created_at, updated_at`

const entryColumns = `id, wallet_id, type, amount, description, reference_id, idempotency_key, created_at`

type walletRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	TenantID  string    `db:"tenant_id"`
	Period    string    `db:"period"`
	Balance   int64     `db:"balance"`
	Reserved  int64     `db:"reserved"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r walletRow) toWallet() wallet.Wallet {
	return wallet.Wallet{
		ID:        wallet.WalletID(r.ID),
		UserID:    wallet.UserID(r.UserID),
		TenantID:  wallet.TenantID(r.TenantID),
		Period:    wallet.Period(r.Period),
		Balance:   r.Balance,
		Reserved:  r.Reserved,
		ExpiresAt: r.ExpiresAt.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type entryRow struct {
	ID             string         `db:"id"`
	WalletID       string         `db:"wallet_id"`
	Type           string         `db:"type"`
	Amount         int64          `db:"amount"`
	Description    sql.NullString `db:"description"`
	ReferenceID    sql.NullString `db:"reference_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r entryRow) toEntry() wallet.Entry {
	return wallet.Entry{
		ID:             wallet.EntryID(r.ID),
		WalletID:       wallet.WalletID(r.WalletID),
		Type:           wallet.EntryType(r.Type),
		Amount:         r.Amount,
		Description:    r.Description.String,
		ReferenceID:    r.ReferenceID.String,
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

// Atomic executes fn within one transaction.
func (s *Store) Atomic(ctx context.Context, fn func(tx wallet.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&walletTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWallet returns a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id wallet.WalletID) (wallet.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, wallet.ErrWalletNotFound
	}
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("failed to query wallet: %w", err)
	}
	return row.toWallet(), nil
}

// LatestWallet returns the user's non-expired wallet with the latest expiry.
func (s *Store) LatestWallet(ctx context.Context, tenantID wallet.TenantID, userID wallet.UserID, asOf time.Time) (wallet.Wallet, bool, error) {
	const q = `SELECT ` + walletColumns + `
		FROM wallets
		WHERE tenant_id = $1 AND user_id = $2 AND expires_at >= $3
		ORDER BY expires_at DESC, created_at DESC
		LIMIT 1`

	var row walletRow
	err := s.db.GetContext(ctx, &row, q, string(tenantID), string(userID), asOf.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, false, nil
	}
	if err != nil {
		return wallet.Wallet{}, false, fmt.Errorf("failed to query wallet: %w", err)
	}
	return row.toWallet(), true, nil
}

// ListEntries returns a wallet's entries, newest first.
func (s *Store) ListEntries(ctx context.Context, walletID wallet.WalletID, limit int) ([]wallet.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM point_ledger WHERE wallet_id = $1 ORDER BY seq DESC`
	args := []any{string(walletID)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}

// DueForExpiry returns wallets past expiry with available points.
func (s *Store) DueForExpiry(ctx context.Context, asOf time.Time) ([]wallet.Wallet, error) {
	const q = `SELECT ` + walletColumns + `
		FROM wallets
		WHERE expires_at < $1 AND balance > reserved
		ORDER BY expires_at ASC, id ASC`

	var rows []walletRow
	if err := s.db.SelectContext(ctx, &rows, q, asOf.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	wallets := make([]wallet.Wallet, 0, len(rows))
	for _, r := range rows {
		wallets = append(wallets, r.toWallet())
	}
	return wallets, nil
}

// =============================================================================
// TRANSACTIONAL VIEW (wallet.Tx interface)
// =============================================================================

type walletTx struct {
	tx *sqlx.Tx
}

func (t *walletTx) WalletForUpdate(ctx context.Context, id wallet.WalletID) (wallet.Wallet, error) {
	var row walletRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, wallet.ErrWalletNotFound
	}
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return row.toWallet(), nil
}

func (t *walletTx) WalletByKeyForUpdate(ctx context.Context, tenantID wallet.TenantID, userID wallet.UserID, period wallet.Period) (wallet.Wallet, bool, error) {
	const q = `SELECT ` + walletColumns + `
		FROM wallets
		WHERE tenant_id = $1 AND user_id = $2 AND period = $3
		FOR UPDATE`

	var row walletRow
	err := t.tx.GetContext(ctx, &row, q, string(tenantID), string(userID), string(period))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, false, nil
	}
	if err != nil {
		return wallet.Wallet{}, false, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return row.toWallet(), true, nil
}

func (t *walletTx) CreateWallet(ctx context.Context, w wallet.Wallet) error {
	const q = `INSERT INTO wallets (` + walletColumns + `)
		VALUES (:id, :user_id, :tenant_id, :period, :balance, :reserved, :expires_at, :created_at, :updated_at)`

	row := walletRow{
		ID: string(w.ID), UserID: string(w.UserID), TenantID: string(w.TenantID), Period: string(w.Period),
		Balance: w.Balance, Reserved: w.Reserved,
		ExpiresAt: w.ExpiresAt.UTC(), CreatedAt: w.CreatedAt.UTC(), UpdatedAt: w.UpdatedAt.UTC(),
	}
	if _, err := t.tx.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err, walletPeriodConstraint) {
			return wallet.ErrDuplicateWallet
		}
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

func (t *walletTx) SaveWallet(ctx context.Context, w wallet.Wallet) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $1, reserved = $2, updated_at = $3 WHERE id = $4`,
		w.Balance, w.Reserved, w.UpdatedAt.UTC(), string(w.ID))
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if n == 0 {
		return wallet.ErrWalletNotFound
	}
	return nil
}

func (t *walletTx) HasAccrual(ctx context.Context, walletID wallet.WalletID) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM point_ledger WHERE wallet_id = $1 AND type = 'accrual')`,
		string(walletID))
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return exists, nil
}

func (t *walletTx) AppendEntry(ctx context.Context, e wallet.Entry) error {
	const q = `INSERT INTO point_ledger (` + entryColumns + `)
		VALUES (:id, :wallet_id, :type, :amount, :description, :reference_id, :idempotency_key, :created_at)`

	row := entryRow{
		ID: string(e.ID), WalletID: string(e.WalletID), Type: string(e.Type), Amount: e.Amount,
		Description:    nullString(e.Description),
		ReferenceID:    nullString(e.ReferenceID),
		IdempotencyKey: nullString(e.IdempotencyKey),
		CreatedAt:      e.CreatedAt.UTC(),
	}
	if _, err := t.tx.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err, ledgerKeyConstraint, ledgerAccrualConstraint) {
			return wallet.ErrDuplicateAccrual
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}
