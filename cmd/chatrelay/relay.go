package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/llm"
	"github.com/Veraticus/chatrelay/internal/metrics"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/storage"
	"github.com/Veraticus/chatrelay/internal/supervisor"
)

// relay holds the wired core: everything between the transport and storage.
type relay struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	supervisor *supervisor.Supervisor
	// redis is closed by the Redis gateway when it owns the client.
	redis     *redis.Client
	ownsRedis bool
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func usesRedis(cfg *config.Config) bool {
	return cfg.Storage.Backend == "redis" || cfg.RateLimit.Backend == "redis"
}

func dialRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !usesRedis(cfg) {
		return nil, nil
	}
	return storage.DialRedis(ctx, storage.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		Prefix:   cfg.Redis.Prefix,
		DB:       cfg.Redis.DB,
	})
}

// openGateway returns the configured persistence gateway. The Redis gateway
// takes ownership of client.
func openGateway(cfg *config.Config, client *redis.Client) (conversation.Gateway, error) {
	switch cfg.Storage.Backend {
	case "redis":
		if client == nil {
			return nil, errors.New("redis storage needs a redis client")
		}
		return storage.NewRedisFromClient(client, cfg.Redis.Prefix), nil
	case "postgres":
		db, err := storage.OpenPostgres(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "memory", "":
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func newRateLimiter(cfg *config.Config, client *redis.Client, logger *slog.Logger) (queue.RateLimiter, supervisor.StaleCleaner) {
	if cfg.RateLimit.Backend == "redis" {
		// Redis expires its own windows.
		return queue.NewRedisRateLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window,
			queue.WithLimiterPrefix(cfg.Redis.Prefix+"ratelimit:"),
			queue.WithLimiterLogger(logger)), nil
	}
	limiter := queue.NewSlidingWindowLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	return limiter, limiter
}

func aiConfig(cfg config.AIConfig) llm.Config {
	return llm.Config{
		Provider:          cfg.Provider,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		BaseURL:           cfg.BaseURL,
		SystemInstruction: cfg.SystemInstruction,
		Temperature:       cfg.Temperature,
		TopP:              cfg.TopP,
		TopK:              cfg.TopK,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		SafetySettings:    llm.SafetySettings(cfg.SafetyThreshold),
		ScriptedReply:     cfg.ScriptedReply,
	}
}

// buildRelay wires storage, the AI backend, the worker pool and the
// supervisor. Nothing runs until the supervisor is started.
func buildRelay(ctx context.Context, cfg *config.Config, messenger queue.Messenger, logger *slog.Logger) (*relay, error) {
	client, err := dialRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r := &relay{cfg: cfg, logger: logger, redis: client, ownsRedis: client != nil}

	gateway, err := openGateway(cfg, client)
	if err != nil {
		r.closeRedis()
		return nil, err
	}
	if cfg.Storage.Backend == "redis" {
		r.ownsRedis = false
	}

	fail := func(err error) (*relay, error) {
		if closeErr := gateway.Close(); closeErr != nil {
			logger.WarnContext(ctx, "Failed to close gateway", slog.Any("error", closeErr))
		}
		r.closeRedis()
		return nil, err
	}

	opener, err := llm.NewOpener(ctx, aiConfig(cfg.AI))
	if err != nil {
		return fail(fmt.Errorf("create AI backend: %w", err))
	}

	store, err := conversation.NewStore(gateway, opener,
		conversation.WithLogger(logger),
		conversation.WithExpiry(cfg.Session.Expiry))
	if err != nil {
		return fail(err)
	}

	r.registry = prometheus.NewRegistry()
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(r.registry)

	limiter, cleaner := newRateLimiter(cfg, client, logger)
	dispatch := queue.NewDispatchQueue(cfg.Queue.Capacity)

	pool, err := queue.NewWorkerPool(queue.PoolConfig{
		Queue:            dispatch,
		Sessions:         store,
		RateLimiter:      limiter,
		Messenger:        messenger,
		Metrics:          m,
		Logger:           logger,
		Mode:             queue.Mode(cfg.Workers.Mode),
		FallbackText:     cfg.Workers.FallbackText,
		Retry:            queue.RetryPolicy{Attempts: cfg.Workers.RetryAttempts, Delay: cfg.Workers.RetryDelay},
		Size:             cfg.Workers.Size,
		GenerateTimeout:  cfg.Workers.GenerateTimeout,
		DeliveryTimeout:  cfg.Workers.DeliveryTimeout,
		TypingInterval:   cfg.Workers.TypingInterval,
		SerializePerUser: cfg.Workers.SerializePerUser,
	})
	if err != nil {
		return fail(fmt.Errorf("create worker pool: %w", err))
	}

	deps := supervisor.Deps{
		Queue:   dispatch,
		Pool:    pool,
		Store:   store,
		Gateway: gateway,
		Metrics: m,
		Logger:  logger,
	}
	if cleaner != nil {
		deps.Limiter = cleaner
	}

	r.supervisor, err = supervisor.New(supervisor.Config{
		FlushInterval:        cfg.Session.FlushInterval,
		SweepInterval:        cfg.Session.SweepInterval,
		SessionExpiry:        cfg.Session.Expiry,
		DeleteStaleSnapshots: cfg.Session.DeleteStaleSnapshots,
	}, deps)
	if err != nil {
		return fail(err)
	}
	return r, nil
}

// shutdown drains the core and releases connections.
func (r *relay) shutdown(ctx context.Context) error {
	err := r.supervisor.Shutdown(ctx)
	r.closeRedis()
	return err
}

func (r *relay) closeRedis() {
	if r.redis == nil || !r.ownsRedis {
		return
	}
	if err := r.redis.Close(); err != nil {
		r.logger.Warn("Failed to close redis client", slog.Any("error", err))
	}
	r.redis = nil
}

// routes serves the webhook (when set), metrics, health and session admin.
func (r *relay) routes(webhook http.Handler) http.Handler {
	mux := http.NewServeMux()
	if webhook != nil {
		mux.Handle(r.cfg.HTTP.WebhookPath, webhook)
	}
	mux.Handle("GET /metrics", metrics.Handler(r.registry))
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("DELETE /admin/sessions/{key}", r.handleEndSession)
	return mux
}

func (r *relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  r.supervisor.Stats(),
	})
}

func (r *relay) handleEndSession(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")
	if !r.supervisor.EndSession(key) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	r.logger.InfoContext(req.Context(), "Session ended by admin", slog.String("user_key", key))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
