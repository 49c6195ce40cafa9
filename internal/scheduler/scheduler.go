package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs jobs on cron schedules. A job that is still running when
// its next tick arrives skips that tick.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	jobs    map[string]*scheduled
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

type scheduled struct {
	lastErr error
	job     Job
	entry   cron.EntryID
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))

	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		jobs:   make(map[string]*scheduled),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule adds a job. IDs must be unique.
func (s *Scheduler) Schedule(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID cannot be empty")
	}
	if job.Handler == nil {
		return fmt.Errorf("job %s has no handler", job.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already scheduled", job.ID)
	}

	entry := &scheduled{job: job}
	id, err := s.cron.AddFunc(job.Spec, func() { s.run(entry) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.ID, err)
	}
	entry.entry = id
	s.jobs[job.ID] = entry
	return nil
}

func (s *Scheduler) run(entry *scheduled) {
	name := entry.job.Handler.Name()
	start := time.Now()
	err := entry.job.Handler.Execute(s.ctx)

	s.mu.Lock()
	entry.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.WarnContext(s.ctx, "Scheduled job failed",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return
	}
	s.logger.DebugContext(s.ctx, "Scheduled job completed",
		slog.String("job", name),
		slog.Duration("duration", time.Since(start)))
}

// Remove unschedules a job.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	s.cron.Remove(entry.entry)
	delete(s.jobs, jobID)
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.cron.Start()
	return nil
}

// Stop prevents further runs and waits for running jobs to finish. When ctx
// ends first, the running jobs' context is canceled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	defer s.cancel()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// List returns all scheduled jobs ordered by ID.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, entry := range s.jobs {
		job := entry.job
		cronEntry := s.cron.Entry(entry.entry)
		job.NextRun = cronEntry.Next
		job.LastRun = cronEntry.Prev
		job.LastErr = entry.lastErr
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
