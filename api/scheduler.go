/*
scheduler.go - Background expiry sweep and periodic accrual

PURPOSE:
  Periodically expires wallets whose period has ended and, when enabled,
  runs the current period's accrual for every tenant that has budget
  policies. Both jobs are idempotent, so overlapping with a manual trigger
  or another replica is safe: the ledger skips already expired wallets and
  already credited employees, and the accrual lock keeps runs exclusive.

DESIGN:
  - One background goroutine per job, each with its own ticker
  - Each job runs once immediately on start
  - Stop cancels in-flight work and waits for the goroutines

CONFIGURATION:
  - SweepInterval: How often to expire wallets (default: 1 hour)
  - AccrualInterval: How often to run accrual (0 disables it)

USAGE:
  scheduler := NewScheduler(ledger, runner, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - wallet/ledger.go: ExpireDue
  - accrual/runner.go: Runner.Run
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/benefits-engine/accrual"
	"github.com/warp/benefits-engine/wallet"
	"go.uber.org/zap"
)

// TenantLister lists the tenants accrual runs for.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}

// Scheduler runs the expiry sweep and periodic accrual.
type Scheduler struct {
	Ledger          *wallet.Ledger
	Runner          *accrual.Runner
	Tenants         TenantLister
	SweepInterval   time.Duration
	AccrualInterval time.Duration
	Logger          *zap.Logger

	now     func() time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
}

// NewScheduler creates a scheduler with an hourly sweep and accrual disabled.
func NewScheduler(ledger *wallet.Ledger, runner *accrual.Runner, tenants TenantLister, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Ledger:        ledger,
		Runner:        runner,
		Tenants:       tenants,
		SweepInterval: time.Hour,
		Logger:        logger.Named("scheduler"),
		now:           time.Now,
	}
}

// Start begins the background jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.SweepInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, s.SweepInterval, s.Sweep)
	}
	if s.AccrualInterval > 0 && s.Runner != nil && s.Tenants != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.AccrualInterval, s.Accrue)
	}

	s.Logger.Info("scheduler started",
		zap.Duration("sweep_interval", s.SweepInterval),
		zap.Duration("accrual_interval", s.AccrualInterval))
}

// Stop stops the scheduler and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	job(ctx)
	for {
		select {
		case <-ticker.C:
			job(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep expires every wallet due at the current time.
func (s *Scheduler) Sweep(ctx context.Context) {
	res, err := s.Ledger.ExpireDue(ctx, s.now())
	if err != nil {
		s.Logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if res.Expired > 0 || len(res.Errors) > 0 {
		s.Logger.Info("expiry sweep",
			zap.Int("expired", res.Expired),
			zap.Int64("points", res.Points),
			zap.Strings("errors", res.Errors))
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()
}

// Accrue runs the current period's accrual for every tenant.
func (s *Scheduler) Accrue(ctx context.Context) {
	tenants, err := s.Tenants.Tenants(ctx)
	if err != nil {
		s.Logger.Error("failed to list tenants", zap.Error(err))
		return
	}

	period := s.Runner.CurrentPeriod()
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		res, err := s.Runner.Run(ctx, tenant, period)
		switch {
		case errors.Is(err, accrual.ErrRunInProgress), errors.Is(err, accrual.ErrNoPolicies):
			continue
		case err != nil:
			s.Logger.Error("scheduled accrual failed",
				zap.String("tenant_id", tenant), zap.String("period", string(period)), zap.Error(err))
		case res.Created > 0:
			s.Logger.Info("scheduled accrual",
				zap.String("tenant_id", tenant), zap.Int("created", res.Created))
		}
	}
}

// LastSweep returns when the last successful sweep finished.
func (s *Scheduler) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
