// Package supervisor owns the relay's lifecycle: it restores sessions at
// startup, runs the worker pool and the periodic flush and sweep jobs, and
// shuts everything down in order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/metrics"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/scheduler"
)

// Defaults for the background jobs.
const (
	DefaultFlushInterval = 10 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
	DefaultSessionExpiry = time.Hour

	// finalFlushTimeout bounds the flush run during shutdown, which is not
	// tied to the shutdown deadline.
	finalFlushTimeout = 30 * time.Second
)

// Config holds the background job settings.
type Config struct {
	FlushInterval        time.Duration
	SweepInterval        time.Duration
	SessionExpiry        time.Duration
	DeleteStaleSnapshots bool
}

// DefaultConfig returns the default job settings.
func DefaultConfig() Config {
	return Config{
		FlushInterval:        DefaultFlushInterval,
		SweepInterval:        DefaultSweepInterval,
		SessionExpiry:        DefaultSessionExpiry,
		DeleteStaleSnapshots: true,
	}
}

// StaleCleaner drops idle rate-limit windows.
type StaleCleaner interface {
	CleanupStale(maxAge time.Duration) int
}

// Deps are the components the supervisor drives.
type Deps struct {
	Queue     *queue.DispatchQueue
	Pool      *queue.WorkerPool
	Store     *conversation.Store
	Gateway   conversation.Gateway
	Limiter   StaleCleaner
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Supervisor coordinates startup, background upkeep and shutdown.
type Supervisor struct {
	deps    Deps
	logger  *slog.Logger
	cfg     Config
	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates deps and fills in defaults.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("dispatch queue is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = deps.Store.Expiry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(deps.Logger)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Supervisor{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With(slog.String("component", "supervisor")),
	}, nil
}

// Start restores persisted sessions, starts the workers and schedules the
// flush and sweep jobs. A restore failure aborts startup.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	if err := s.deps.Store.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	s.deps.Metrics.SetActiveSessions(s.deps.Store.Len())

	if err := s.deps.Pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	jobs := []scheduler.Job{
		{
			ID:   "flush",
			Name: "session flush",
			Spec: scheduler.Every(s.cfg.FlushInterval),
			Handler: scheduler.JobFunc{Label: "flush", Fn: func(ctx context.Context) error {
				return s.FlushAll(ctx)
			}},
		},
		{
			ID:   "sweep",
			Name: "idle session sweep",
			Spec: scheduler.Every(s.cfg.SweepInterval),
			Handler: scheduler.JobFunc{Label: "sweep", Fn: func(ctx context.Context) error {
				_, err := s.EvictStale(ctx)
				return err
			}},
		},
	}
	for _, job := range jobs {
		if err := s.deps.Scheduler.Schedule(job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.ID, err)
		}
	}
	if err := s.deps.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	s.started = true
	s.logger.InfoContext(ctx, "Supervisor started",
		slog.Int("workers", s.deps.Pool.Size()),
		slog.Duration("flush_interval", s.cfg.FlushInterval),
		slog.Duration("sweep_interval", s.cfg.SweepInterval),
		slog.Duration("session_expiry", s.cfg.SessionExpiry))
	return nil
}

// Enqueue admits an inbound message into the dispatch queue.
func (s *Supervisor) Enqueue(ctx context.Context, msg queue.PendingMessage) error {
	if err := s.deps.Queue.Enqueue(ctx, msg); err != nil {
		return err
	}
	s.deps.Metrics.MessageEnqueued()
	s.deps.Metrics.SetQueueDepth(s.deps.Queue.Len())
	return nil
}

// FlushAll snapshots every in-memory session to the gateway.
func (s *Supervisor) FlushAll(ctx context.Context) error {
	start := s.deps.Clock()
	err := s.deps.Store.FlushAll(ctx)
	s.deps.Metrics.FlushCompleted(err)

	if err != nil {
		s.logger.WarnContext(ctx, "Session flush incomplete", slog.Any("error", err))
		return err
	}
	s.logger.DebugContext(ctx, "Flushed sessions",
		slog.Int("sessions", s.deps.Store.Len()),
		slog.Duration("duration", s.deps.Clock().Sub(start)))
	return nil
}

// EvictStale removes idle sessions and returns how many were evicted. It also
// drops idle rate-limit windows and, when configured, stale snapshot rows.
func (s *Supervisor) EvictStale(ctx context.Context) (int, error) {
	evicted := s.deps.Store.EvictStale(s.deps.Clock())
	s.deps.Metrics.SessionsEvicted(len(evicted))
	s.deps.Metrics.SetActiveSessions(s.deps.Store.Len())

	windows := 0
	if s.deps.Limiter != nil {
		windows = s.deps.Limiter.CleanupStale(s.cfg.SessionExpiry)
	}

	var err error
	deleted := 0
	if s.cfg.DeleteStaleSnapshots {
		deleted, err = s.deps.Gateway.DeleteStaleSessions(ctx, s.cfg.SessionExpiry)
		if err != nil {
			err = fmt.Errorf("delete stale snapshots: %w", err)
		}
	}

	if len(evicted) > 0 || windows > 0 || deleted > 0 {
		s.logger.InfoContext(ctx, "Swept idle state",
			slog.Int("sessions", len(evicted)),
			slog.Int("rate_windows", windows),
			slog.Int("snapshots", deleted))
	}
	return len(evicted), err
}

// EndSession ends key's session explicitly.
func (s *Supervisor) EndSession(key string) bool {
	ended := s.deps.Store.End(key)
	s.deps.Metrics.SetActiveSessions(s.deps.Store.Len())
	return ended
}

// Shutdown stops intake, lets the workers drain the queue, stops the
// background jobs, flushes sessions and closes handles and storage. When ctx
// ends before the queue is drained, in-flight pipelines are canceled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Shutting down", slog.Int("queued", s.deps.Queue.Len()))
	s.deps.Queue.Shutdown()

	var errs []error
	if started {
		drained := make(chan struct{})
		go func() {
			s.deps.Pool.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			s.logger.WarnContext(ctx, "Shutdown deadline reached, canceling in-flight messages",
				slog.Int("abandoned", s.deps.Queue.Len()))
			s.deps.Pool.Stop()
			<-drained
			errs = append(errs, fmt.Errorf("drain workers: %w", ctx.Err()))
		}

		if err := s.deps.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	if err := s.FlushAll(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}

	s.deps.Store.Close()
	if err := s.deps.Gateway.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close gateway: %w", err))
	}

	s.logger.InfoContext(ctx, "Shutdown complete")
	return errors.Join(errs...)
}

// Stats merges queue, pool and session statistics.
func (s *Supervisor) Stats() map[string]any {
	stats := map[string]any{
		"queue": s.deps.Queue.Stats(),
		"pool":  s.deps.Pool.Stats(),
	}
	sessions := s.deps.Store.Stats()
	stats["sessions"] = sessions
	return stats
}
