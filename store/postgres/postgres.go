/*
Package postgres implements the storage interfaces on PostgreSQL.

It satisfies the same contracts as store/sqlite and is selected with
database.driver = postgres. Rows are mapped with sqlx; lib/pq is the driver.

CONCURRENCY:
  Atomic opens a READ COMMITTED transaction. Tx.WalletForUpdate and
  Tx.WalletByKeyForUpdate take a row lock with SELECT ... FOR UPDATE, so two
  mutations of one wallet serialize while different wallets proceed in
  parallel.

APPEND-ONLY ENFORCEMENT:
  A trigger raises on any UPDATE or DELETE of point_ledger.

SEE ALSO:
  - store/sqlite: the embedded variant, same schema
  - wallet/store.go: the wallet.Store contract
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxConns        int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// Store implements all storage interfaces on PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// New connects, verifies the connection and applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS wallets (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  period TEXT NOT NULL,
  balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
  reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= balance),
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT wallets_period_key UNIQUE (user_id, tenant_id, period)
);
CREATE INDEX IF NOT EXISTS idx_wallets_tenant_user ON wallets(tenant_id, user_id, expires_at DESC);
CREATE INDEX IF NOT EXISTS idx_wallets_expires_at ON wallets(expires_at);

CREATE TABLE IF NOT EXISTS point_ledger (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  wallet_id TEXT NOT NULL REFERENCES wallets(id),
  type TEXT NOT NULL CHECK (type IN ('accrual', 'spend', 'reserve', 'release', 'expire')),
  amount BIGINT NOT NULL,
  description TEXT,
  reference_id TEXT,
  idempotency_key TEXT CONSTRAINT point_ledger_idempotency_key UNIQUE,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_point_ledger_wallet_created ON point_ledger(wallet_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_point_ledger_reference ON point_ledger(reference_id) WHERE reference_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_point_ledger_one_accrual ON point_ledger(wallet_id) WHERE type = 'accrual';

CREATE OR REPLACE FUNCTION point_ledger_append_only() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'point_ledger is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS point_ledger_no_update ON point_ledger;
CREATE TRIGGER point_ledger_no_update BEFORE UPDATE OR DELETE ON point_ledger
  FOR EACH ROW EXECUTE FUNCTION point_ledger_append_only();

CREATE TABLE IF NOT EXISTS budget_policies (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  name TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT true,
  target_filter JSONB,
  points_amount BIGINT NOT NULL CHECK (points_amount > 0),
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_policies_tenant ON budget_policies(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS eligibility_rules (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  benefit_id TEXT NOT NULL,
  offering_id TEXT,
  conditions JSONB,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_eligibility_rules_benefit ON eligibility_rules(tenant_id, benefit_id);

CREATE TABLE IF NOT EXISTS employees (
  tenant_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  grade TEXT,
  tenure_months INT NOT NULL DEFAULT 0 CHECK (tenure_months >= 0),
  location TEXT,
  legal_entity TEXT,
  extra JSONB,
  active BOOLEAN NOT NULL DEFAULT true,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (tenant_id, user_id)
);

CREATE TABLE IF NOT EXISTS accrual_runs (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  period TEXT NOT NULL,
  status TEXT NOT NULL,
  created INT NOT NULL DEFAULT 0,
  skipped INT NOT NULL DEFAULT 0,
  errors JSONB NOT NULL DEFAULT '[]'::jsonb,
  started_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_accrual_runs_tenant ON accrual_runs(tenant_id, started_at DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

// Constraints whose violation means "already recorded". A clash on a
// generated id is not one of them.
const (
	walletPeriodConstraint  = "wallets_period_key"
	ledgerKeyConstraint     = "point_ledger_idempotency_key"
	ledgerAccrualConstraint = "idx_point_ledger_one_accrual"
)

// isUniqueViolation reports whether err violates one of constraints.
func isUniqueViolation(err error, constraints ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	for _, c := range constraints {
		if pqErr.Constraint == c {
			return true
		}
	}
	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonb returns nil for an absent document so the column stores NULL.
func jsonb(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
