// Package scheduler runs periodic background jobs such as session flushes and
// idle-session sweeps.
package scheduler

import (
	"context"
	"time"
)

// Job represents a scheduled task.
type Job struct {
	LastRun time.Time
	NextRun time.Time
	Handler JobHandler
	ID      string
	Name    string
	// Spec is a cron expression or descriptor such as "@every 10m".
	Spec    string
	LastErr error
}

// JobHandler executes a scheduled job.
type JobHandler interface {
	// Execute runs the job
	Execute(ctx context.Context) error

	// Name returns the job name for logging
	Name() string
}

// JobFunc adapts a function to JobHandler.
type JobFunc struct {
	Fn    func(ctx context.Context) error
	Label string
}

// Execute calls Fn.
func (f JobFunc) Execute(ctx context.Context) error {
	return f.Fn(ctx)
}

// Name returns Label.
func (f JobFunc) Name() string {
	return f.Label
}

// Every returns the descriptor for a job running once per interval.
func Every(interval time.Duration) string {
	return "@every " + interval.String()
}
