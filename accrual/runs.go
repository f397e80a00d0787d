package accrual

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunStatus is the lifecycle state of an accrual run.
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunNoPolicies RunStatus = "no_policies"
)

// Run is the persisted record of one accrual run.
type Run struct {
	ID          string
	TenantID    string
	Period      string
	Status      RunStatus
	Created     int
	Skipped     int
	Errors      []string
	StartedAt   time.Time
	CompletedAt time.Time
}

// RunRecorder persists run records. Recording is best effort: a recorder
// failure is logged and does not fail the run.
type RunRecorder interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, tenantID string, limit int) ([]Run, error)
}

func (r *Runner) recordStart(ctx context.Context, log *zap.Logger, run Run) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.StartRun(ctx, run); err != nil {
		log.Warn("failed to record accrual run start", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (r *Runner) recordFinish(ctx context.Context, log *zap.Logger, run Run) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("failed to record accrual run result", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Runs lists recent runs of a tenant, newest first. Empty without a recorder.
func (r *Runner) Runs(ctx context.Context, tenantID string, limit int) ([]Run, error) {
	if r.recorder == nil {
		return []Run{}, nil
	}
	return r.recorder.ListRuns(ctx, tenantID, limit)
}
