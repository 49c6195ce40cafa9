package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Veraticus/chatrelay/internal/queue"
)

// DefaultPollTimeout is the long-poll timeout in seconds.
const DefaultPollTimeout = 30

// Enqueuer accepts inbound messages for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.PendingMessage) error
}

// pendingFromUpdate converts a text message update. Other updates are
// reported as not relevant.
func pendingFromUpdate(update tgbotapi.Update) (queue.PendingMessage, bool) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.Chat == nil {
		return queue.PendingMessage{}, false
	}

	username := msg.From.UserName
	if username == "" {
		username = msg.From.FirstName
	}
	return queue.NewPendingMessage(
		strconv.FormatInt(msg.From.ID, 10),
		username,
		strconv.FormatInt(msg.Chat.ID, 10),
		msg.Text,
	), true
}

// WebhookHandler receives Telegram updates pushed to the bot's webhook.
type WebhookHandler struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewWebhookHandler creates a webhook handler feeding q.
func NewWebhookHandler(q Enqueuer, logger *slog.Logger) (*WebhookHandler, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		queue:  q,
		logger: logger.With(slog.String("component", "telegram.webhook")),
	}, nil
}

type webhookResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ServeHTTP decodes one update and enqueues it when it carries text.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Status: "error", Error: "method not allowed"})
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		h.logger.WarnContext(r.Context(), "Malformed webhook payload", slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "malformed update"})
		return
	}

	msg, ok := pendingFromUpdate(update)
	if !ok {
		h.logger.DebugContext(r.Context(), "Ignoring non-text update", slog.Int("update_id", update.UpdateID))
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ok"})
		return
	}

	if err := h.queue.Enqueue(r.Context(), msg); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to enqueue update",
			slog.String("user_key", msg.UserKey),
			slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Status: "error", Error: "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// updatesAPI is the part of *tgbotapi.BotAPI used for long polling.
type updatesAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Poller receives updates by long polling, for deployments without a public
// webhook URL.
type Poller struct {
	api     updatesAPI
	queue   Enqueuer
	logger  *slog.Logger
	timeout int
	mu      sync.Mutex
	running bool
}

// NewPoller creates a poller feeding q.
func NewPoller(api updatesAPI, q Enqueuer, logger *slog.Logger) (*Poller, error) {
	if api == nil {
		return nil, fmt.Errorf("bot api is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		api:     api,
		queue:   q,
		logger:  logger.With(slog.String("component", "telegram.poller")),
		timeout: DefaultPollTimeout,
	}, nil
}

// Run polls until ctx ends or the queue shuts down.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = p.timeout
	updates := p.api.GetUpdatesChan(cfg)
	defer p.api.StopReceivingUpdates()

	p.logger.InfoContext(ctx, "Telegram poller started")
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Telegram poller stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, relevant := pendingFromUpdate(update)
			if !relevant {
				continue
			}
			if err := p.queue.Enqueue(ctx, msg); err != nil {
				if errors.Is(err, queue.ErrShutdownInProgress) {
					p.logger.InfoContext(ctx, "Queue closed, telegram poller stopping")
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				p.logger.WarnContext(ctx, "Failed to enqueue update",
					slog.String("user_key", msg.UserKey),
					slog.Any("error", err))
			}
		}
	}
}
