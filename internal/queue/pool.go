package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/chatrelay/internal/metrics"
)

// PoolConfig holds configuration for the WorkerPool.
type PoolConfig struct {
	Queue        *DispatchQueue
	Sessions     SessionStore
	RateLimiter  RateLimiter  // Optional: defaults to 30 messages per minute per user
	Messenger    Messenger
	PanicHandler PanicHandler // Optional: defaults to logging with stack trace
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Mode         Mode
	FallbackText string
	Retry        RetryPolicy

	Size            int
	GenerateTimeout time.Duration
	DeliveryTimeout time.Duration
	TypingInterval  time.Duration

	// SerializePerUser allows at most one message per user in flight, so a
	// user's replies follow the order of their messages.
	SerializePerUser bool
}

// WorkerPool runs a fixed number of workers over one DispatchQueue.
type WorkerPool struct {
	cfg        PoolConfig
	logger     *slog.Logger
	workers    []*worker
	typing     *typingManager
	serializer *userSerializer
	stats      poolStats

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewWorkerPool validates cfg, fills in defaults, and creates the workers.
func NewWorkerPool(cfg PoolConfig) (*WorkerPool, error) {
	if cfg.Queue == nil {
		return nil, errors.New("dispatch queue is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Messenger == nil {
		return nil, errors.New("messenger is required")
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if cfg.Size == 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeWhole
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewSlidingWindowLimiter(DefaultRateLimit, DefaultRateWindow)
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = DefaultTypingInterval
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PanicHandler == nil {
		cfg.PanicHandler = NewDefaultPanicHandler(cfg.Logger)
	}
	recorder := cfg.Metrics
	cfg.PanicHandler = NewMetricsPanicHandler(cfg.PanicHandler, func(string, any) {
		recorder.PanicRecovered()
	})

	p := &WorkerPool{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "queue.pool")),
	}
	p.typing = newTypingManager(cfg.Messenger, cfg.TypingInterval, p.logger)
	if cfg.SerializePerUser {
		p.serializer = newUserSerializer()
	}

	p.workers = make([]*worker, cfg.Size)
	for i := range cfg.Size {
		p.workers[i] = newWorker(p, i+1)
	}

	return p, nil
}

// Start launches every worker. Pipelines run on a context detached from
// ctx's cancellation: only queue shutdown or Stop ends them.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run(runCtx)
		}(w)
	}

	p.logger.InfoContext(ctx, "Worker pool started",
		slog.Int("workers", len(p.workers)),
		slog.String("mode", string(p.cfg.Mode)),
		slog.Bool("serialize_per_user", p.cfg.SerializePerUser))
	return nil
}

// Wait blocks until all workers have stopped. Workers stop once the queue
// is shut down and drained.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stop cancels every in-flight pipeline. It is the hard stop used when a
// graceful drain ran out of time.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.typing.stopAll()
}

// Size returns the number of workers in the pool.
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() map[string]any {
	stats := p.stats.snapshot()
	stats["workers"] = len(p.workers)
	stats["typing_indicators"] = p.typing.active()
	if p.serializer != nil {
		stats["serialized_users"] = p.serializer.size()
	}
	return stats
}
