// Package store provides an in-memory wallet.Store for tests and local runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/benefits-engine/wallet"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps wallets and entries in process. Atomic serializes all
// mutations behind one mutex and rolls back on error.
type Memory struct {
	mu          sync.RWMutex
	wallets     map[wallet.WalletID]wallet.Wallet
	byKey       map[walletKey]wallet.WalletID
	entries     map[wallet.WalletID][]wallet.Entry
	idempotency map[string]bool
	accrued     map[wallet.WalletID]bool
}

type walletKey struct {
	TenantID wallet.TenantID
	UserID   wallet.UserID
	Period   wallet.Period
}

var _ wallet.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		wallets:     make(map[wallet.WalletID]wallet.Wallet),
		byKey:       make(map[walletKey]wallet.WalletID),
		entries:     make(map[wallet.WalletID][]wallet.Entry),
		idempotency: make(map[string]bool),
		accrued:     make(map[wallet.WalletID]bool),
	}
}

// Atomic runs fn with exclusive access. On error the state before fn is
// restored.
func (m *Memory) Atomic(ctx context.Context, fn func(tx wallet.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) GetWallet(_ context.Context, id wallet.WalletID) (wallet.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return wallet.Wallet{}, wallet.ErrWalletNotFound
	}
	return w, nil
}

func (m *Memory) LatestWallet(_ context.Context, tenantID wallet.TenantID, userID wallet.UserID, asOf time.Time) (wallet.Wallet, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best  wallet.Wallet
		found bool
	)
	for _, w := range m.wallets {
		if w.TenantID != tenantID || w.UserID != userID || w.ExpiredAt(asOf) {
			continue
		}
		if !found || w.ExpiresAt.After(best.ExpiresAt) ||
			(w.ExpiresAt.Equal(best.ExpiresAt) && w.CreatedAt.After(best.CreatedAt)) {
			best = w
			found = true
		}
	}
	return best, found, nil
}

func (m *Memory) ListEntries(_ context.Context, walletID wallet.WalletID, limit int) ([]wallet.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[walletID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]wallet.Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) DueForExpiry(_ context.Context, asOf time.Time) ([]wallet.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []wallet.Wallet
	for _, w := range m.wallets {
		if w.ExpiredAt(asOf) && w.Available() > 0 {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// SNAPSHOT / ROLLBACK
// =============================================================================

type memorySnapshot struct {
	wallets     map[wallet.WalletID]wallet.Wallet
	byKey       map[walletKey]wallet.WalletID
	entries     map[wallet.WalletID][]wallet.Entry
	idempotency map[string]bool
	accrued     map[wallet.WalletID]bool
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		wallets:     make(map[wallet.WalletID]wallet.Wallet, len(m.wallets)),
		byKey:       make(map[walletKey]wallet.WalletID, len(m.byKey)),
		entries:     make(map[wallet.WalletID][]wallet.Entry, len(m.entries)),
		idempotency: make(map[string]bool, len(m.idempotency)),
		accrued:     make(map[wallet.WalletID]bool, len(m.accrued)),
	}
	for k, v := range m.wallets {
		s.wallets[k] = v
	}
	for k, v := range m.byKey {
		s.byKey[k] = v
	}
	for k, v := range m.entries {
		// Entries are append-only, so the slice header is enough.
		s.entries[k] = v[:len(v):len(v)]
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range m.accrued {
		s.accrued[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.wallets = s.wallets
	m.byKey = s.byKey
	m.entries = s.entries
	m.idempotency = s.idempotency
	m.accrued = s.accrued
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx runs under Memory.mu held by Atomic.
type memoryTx struct {
	m *Memory
}

func (tx *memoryTx) WalletForUpdate(_ context.Context, id wallet.WalletID) (wallet.Wallet, error) {
	w, ok := tx.m.wallets[id]
	if !ok {
		return wallet.Wallet{}, wallet.ErrWalletNotFound
	}
	return w, nil
}

func (tx *memoryTx) WalletByKeyForUpdate(_ context.Context, tenantID wallet.TenantID, userID wallet.UserID, period wallet.Period) (wallet.Wallet, bool, error) {
	id, ok := tx.m.byKey[walletKey{TenantID: tenantID, UserID: userID, Period: period}]
	if !ok {
		return wallet.Wallet{}, false, nil
	}
	return tx.m.wallets[id], true, nil
}

func (tx *memoryTx) CreateWallet(_ context.Context, w wallet.Wallet) error {
	k := walletKey{TenantID: w.TenantID, UserID: w.UserID, Period: w.Period}
	if _, exists := tx.m.byKey[k]; exists {
		return wallet.ErrDuplicateWallet
	}
	if _, exists := tx.m.wallets[w.ID]; exists {
		return wallet.ErrDuplicateWallet
	}
	tx.m.wallets[w.ID] = w
	tx.m.byKey[k] = w.ID
	return nil
}

func (tx *memoryTx) SaveWallet(_ context.Context, w wallet.Wallet) error {
	if _, ok := tx.m.wallets[w.ID]; !ok {
		return wallet.ErrWalletNotFound
	}
	tx.m.wallets[w.ID] = w
	return nil
}

func (tx *memoryTx) HasAccrual(_ context.Context, walletID wallet.WalletID) (bool, error) {
	return tx.m.accrued[walletID], nil
}

func (tx *memoryTx) AppendEntry(_ context.Context, e wallet.Entry) error {
	if _, ok := tx.m.wallets[e.WalletID]; !ok {
		return wallet.ErrWalletNotFound
	}
	if e.IdempotencyKey != "" && tx.m.idempotency[e.IdempotencyKey] {
		return wallet.ErrDuplicateAccrual
	}
	if e.Type == wallet.EntryAccrual && tx.m.accrued[e.WalletID] {
		return wallet.ErrDuplicateAccrual
	}

	tx.m.entries[e.WalletID] = append(tx.m.entries[e.WalletID], e)
	if e.IdempotencyKey != "" {
		tx.m.idempotency[e.IdempotencyKey] = true
	}
	if e.Type == wallet.EntryAccrual {
		tx.m.accrued[e.WalletID] = true
	}
	return nil
}
