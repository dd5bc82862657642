// Package cron runs periodic background jobs, such as sweeping expired
// approvals, on 5-field cron schedules.
package cron

import (
	"context"

	"github.com/robfig/cron/v3"
)

// Job defines a periodic background task.
type Job interface {
	// Name returns a unique identifier for this job (used for logging and dedup).
	Name() string

	// Schedule returns a 5-field cron expression (e.g., "*/5 * * * *").
	Schedule() string

	// Run executes the job. Implementations should check ctx.Done() for
	// graceful cancellation.
	Run(ctx context.Context) error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a valid 5-field expression.
func ValidateSchedule(expr string) error {
	_, err := parser.Parse(expr)
	return err
}
