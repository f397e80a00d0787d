/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  wallet.Store:           wallets and the points ledger
  accrual.PolicySource:   budget policies
  accrual.EmployeeSource: employee profiles
  accrual.RunRecorder:    accrual run records
  eligibility.RuleSource: eligibility rules

APPEND-ONLY ENFORCEMENT:
  point_ledger rows are never updated or deleted. The store has no such
  statements, and triggers abort any UPDATE or DELETE that reaches the
  table from elsewhere.

KEY TABLES:
  wallets:           one row per (user, tenant, period), cached balance/reserved
  point_ledger:      immutable entries, the source of truth
  budget_policies:   per-tenant points policies, target filter as JSON
  eligibility_rules: per-benefit rules, condition as JSON
  employees:         profiles evaluated by conditions
  accrual_runs:      one row per accrual run

INDEXES:
  - wallets UNIQUE(user_id, tenant_id, period): one wallet per period
  - idx_point_ledger_one_accrual: at most one accrual entry per wallet
  - point_ledger.idempotency_key UNIQUE: retried accruals are rejected
  - idx_point_ledger_wallet_created: history (hot path)

CONCURRENCY:
  Writers are serialized by a sync.RWMutex and BEGIN IMMEDIATE
  transactions; a wallet read inside Atomic cannot change until commit.

WAL MODE:
  Opened with WAL so readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/benefits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := wallet.NewLedger(store)

SEE ALSO:
  - wallet/store.go: wallet.Store contract
  - store/postgres: the same contract on Postgres
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets: one per (user, tenant, period)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		period TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= balance),
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, tenant_id, period)
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_tenant_user
		ON wallets(tenant_id, user_id, expires_at DESC);
	CREATE INDEX IF NOT EXISTS idx_wallets_expires_at
		ON wallets(expires_at);

	-- Points ledger (append-only)
	CREATE TABLE IF NOT EXISTS point_ledger (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		type TEXT NOT NULL CHECK (type IN ('accrual', 'spend', 'reserve', 'release', 'expire')),
		amount INTEGER NOT NULL,
		description TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_ledger_wallet_created
		ON point_ledger(wallet_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_point_ledger_reference
		ON point_ledger(reference_id) WHERE reference_id IS NOT NULL;

	-- At most one accrual per wallet
	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_ledger_one_accrual
		ON point_ledger(wallet_id) WHERE type = 'accrual';

	CREATE TRIGGER IF NOT EXISTS point_ledger_no_update
		BEFORE UPDATE ON point_ledger
	BEGIN
		SELECT RAISE(ABORT, 'point_ledger is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS point_ledger_no_delete
		BEFORE DELETE ON point_ledger
	BEGIN
		SELECT RAISE(ABORT, 'point_ledger is append-only');
	END;

	-- Budget policies
	CREATE TABLE IF NOT EXISTS budget_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		target_filter TEXT,
		points_amount INTEGER NOT NULL CHECK (points_amount > 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budget_policies_tenant
		ON budget_policies(tenant_id, created_at);

	-- Eligibility rules
	CREATE TABLE IF NOT EXISTS eligibility_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		benefit_id TEXT NOT NULL,
		offering_id TEXT,
		conditions TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_eligibility_rules_benefit
		ON eligibility_rules(tenant_id, benefit_id);

	-- Employees
	CREATE TABLE IF NOT EXISTS employees (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		grade TEXT,
		tenure_months INTEGER NOT NULL DEFAULT 0 CHECK (tenure_months >= 0),
		location TEXT,
		legal_entity TEXT,
		extra_json TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, user_id)
	);

	-- Accrual runs
	CREATE TABLE IF NOT EXISTS accrual_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period TEXT NOT NULL,
		status TEXT NOT NULL,
		created INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_accrual_runs_tenant
		ON accrual_runs(tenant_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Column lists SQLite reports for the constraints that mean "already
// recorded". A clash on a generated id is not one of them.
const (
	walletPeriodColumns  = "wallets.user_id, wallets.tenant_id, wallets.period"
	ledgerKeyColumn      = "point_ledger.idempotency_key"
	ledgerAccrualColumns = "point_ledger.wallet_id"
)

// isUniqueOn reports whether err is a UNIQUE violation on exactly columns.
func isUniqueOn(err error, columns string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	if sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique &&
		sqliteErr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.HasSuffix(sqliteErr.Error(), "constraint failed: "+columns)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
