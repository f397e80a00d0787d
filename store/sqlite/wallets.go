package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/benefits-engine/wallet"
)

// =============================================================================
// WALLET STORE (wallet.Store interface)
// =============================================================================

var _ wallet.Store = (*Store)(nil)

const walletColumns = `id, user_id, tenant_id, period, balance, reserved, expires_at, created_at, updated_at`

const entryColumns = `id, wallet_id, type, amount, description, reference_id, idempotency_key, created_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Atomic executes fn within one write transaction.
func (s *Store) Atomic(ctx context.Context, fn func(tx wallet.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&walletTx{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWallet returns a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id wallet.WalletID) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getWallet(ctx, s.db, id)
}

// LatestWallet returns the user's non-expired wallet with the latest expiry.
func (s *Store) LatestWallet(ctx context.Context, tenantID wallet.TenantID, userID wallet.UserID, asOf time.Time) (wallet.Wallet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + walletColumns + `
		FROM wallets
		WHERE tenant_id = ? AND user_id = ? AND expires_at >= ?
		ORDER BY expires_at DESC, created_at DESC
		LIMIT 1`

	w, err := scanWallet(s.db.QueryRowContext(ctx, query, tenantID, userID, formatTime(asOf)))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, false, nil
	}
	if err != nil {
		return wallet.Wallet{}, false, fmt.Errorf("failed to query wallet: %w", err)
	}
	return w, true, nil
}

// ListEntries returns a wallet's entries, newest first.
func (s *Store) ListEntries(ctx context.Context, walletID wallet.WalletID, limit int) ([]wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entryColumns + `
		FROM point_ledger
		WHERE wallet_id = ?
		ORDER BY seq DESC`
	args := []any{walletID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	entries := []wallet.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DueForExpiry returns wallets past expiry with available points.
func (s *Store) DueForExpiry(ctx context.Context, asOf time.Time) ([]wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + walletColumns + `
		FROM wallets
		WHERE expires_at < ? AND balance > reserved
		ORDER BY expires_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []wallet.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// =============================================================================
// TRANSACTIONAL VIEW (wallet.Tx interface)
// =============================================================================

type walletTx struct {
	q querier
}

func (t *walletTx) WalletForUpdate(ctx context.Context, id wallet.WalletID) (wallet.Wallet, error) {
	return getWallet(ctx, t.q, id)
}

func (t *walletTx) WalletByKeyForUpdate(ctx context.Context, tenantID wallet.TenantID, userID wallet.UserID, period wallet.Period) (wallet.Wallet, bool, error) {
	query := `SELECT ` + walletColumns + `
		FROM wallets
		WHERE tenant_id = ? AND user_id = ? AND period = ?`

	w, err := scanWallet(t.q.QueryRowContext(ctx, query, tenantID, userID, period))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, false, nil
	}
	if err != nil {
		return wallet.Wallet{}, false, fmt.Errorf("failed to query wallet: %w", err)
	}
	return w, true, nil
}

func (t *walletTx) CreateWallet(ctx context.Context, w wallet.Wallet) error {
	query := `INSERT INTO wallets (` + walletColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.q.ExecContext(ctx, query,
		w.ID, w.UserID, w.TenantID, w.Period, w.Balance, w.Reserved,
		formatTime(w.ExpiresAt), formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		if isUniqueOn(err, walletPeriodColumns) {
			return wallet.ErrDuplicateWallet
		}
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

func (t *walletTx) SaveWallet(ctx context.Context, w wallet.Wallet) error {
	query := `UPDATE wallets SET balance = ?, reserved = ?, updated_at = ? WHERE id = ?`

	res, err := t.q.ExecContext(ctx, query, w.Balance, w.Reserved, formatTime(w.UpdatedAt), w.ID)
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
	var count int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM point_ledger WHERE wallet_id = ? AND type = 'accrual'`,
		walletID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return count > 0, nil
}

func (t *walletTx) AppendEntry(ctx context.Context, e wallet.Entry) error {
	query := `INSERT INTO point_ledger (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.q.ExecContext(ctx, query,
		e.ID, e.WalletID, e.Type, e.Amount,
		nullString(e.Description), nullString(e.ReferenceID), nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueOn(err, ledgerKeyColumn) || isUniqueOn(err, ledgerAccrualColumns) {
			return wallet.ErrDuplicateAccrual
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

func getWallet(ctx context.Context, q querier, id wallet.WalletID) (wallet.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = ?`

	w, err := scanWallet(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Wallet{}, wallet.ErrWalletNotFound
	}
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("failed to query wallet: %w", err)
	}
	return w, nil
}

func scanWallet(row scanner) (wallet.Wallet, error) {
	var (
		w                               wallet.Wallet
		expiresAt, createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.UserID, &w.TenantID, &w.Period, &w.Balance, &w.Reserved,
		&expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return wallet.Wallet{}, err
	}
	w.ExpiresAt = parseTime(expiresAt)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func scanEntry(row scanner) (wallet.Entry, error) {
	var (
		e                                        wallet.Entry
		description, referenceID, idempotencyKey sql.NullString
		createdAt                                string
	)
	err := row.Scan(&e.ID, &e.WalletID, &e.Type, &e.Amount,
		&description, &referenceID, &idempotencyKey, &createdAt)
	if err != nil {
		return wallet.Entry{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Description = description.String
	e.ReferenceID = referenceID.String
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}
