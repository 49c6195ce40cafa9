package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/telegram"
)

const readHeaderTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			logger := newLogger(cfg.Log, os.Stderr)
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// serve runs the relay until ctx ends, then shuts down within
// cfg.Shutdown.Timeout.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.InfoContext(ctx, "chatrelay starting",
		slog.String("version", version),
		slog.String("ai_provider", cfg.AI.Provider),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("telegram_mode", cfg.Telegram.Mode))

	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.Endpoint, nil)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "Connected to Telegram", slog.String("bot", bot.Self.UserName))

	messenger := telegram.NewMessenger(bot,
		telegram.WithSendRate(cfg.Telegram.SendRate),
		telegram.WithMessengerLogger(logger))

	r, err := buildRelay(ctx, cfg, messenger, logger)
	if err != nil {
		return err
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.Timeout)
		defer cancel()
		return r.shutdown(shutdownCtx)
	}

	if err := r.supervisor.Start(ctx); err != nil {
		return errors.Join(err, shutdown())
	}

	var webhook http.Handler
	var poller *telegram.Poller
	switch cfg.Telegram.Mode {
	case "poll":
		if err := telegram.DeleteWebhook(bot); err != nil {
			return errors.Join(err, shutdown())
		}
		poller, err = telegram.NewPoller(bot, r.supervisor, logger)
		if err != nil {
			return errors.Join(err, shutdown())
		}
	default:
		handler, err := telegram.NewWebhookHandler(r.supervisor, logger)
		if err != nil {
			return errors.Join(err, shutdown())
		}
		webhook = handler
		if cfg.Telegram.WebhookURL != "" {
			if err := telegram.SetWebhook(bot, cfg.Telegram.WebhookURL); err != nil {
				return errors.Join(err, shutdown())
			}
		} else {
			logger.WarnContext(ctx, "No webhook URL configured, expecting it to be registered externally",
				slog.String("path", cfg.HTTP.WebhookPath))
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r.routes(webhook),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gctx, "HTTP server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if poller != nil {
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Shutdown.Timeout)
		defer cancel()
		return server.Shutdown(stopCtx)
	})

	logger.InfoContext(ctx, "chatrelay started, listening for messages")
	serveErr := g.Wait()

	logger.InfoContext(ctx, "Shutting down gracefully")
	return errors.Join(serveErr, shutdown())
}
