package cron

import (
	"context"
	"log/slog"
)

// Sweeper expires overdue approvals. approval.Registry implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ApprovalSweepJob moves pending approvals past their expiry to missing
// and prunes old resolved ones.
type ApprovalSweepJob struct {
	Sweeper      Sweeper
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "* * * * *"
}

// Compile-time interface check.
var _ Job = (*ApprovalSweepJob)(nil)

// Name implements Job.
func (j *ApprovalSweepJob) Name() string { return "approval_sweep" }

// Schedule implements Job.
func (j *ApprovalSweepJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "* * * * *"
}

// Run sweeps once.
func (j *ApprovalSweepJob) Run(ctx context.Context) error {
	expired, err := j.Sweeper.Sweep(ctx)
	if expired > 0 {
		j.logger().Info("cron: expired pending approvals", "count", expired)
	}
	return err
}

func (j *ApprovalSweepJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
