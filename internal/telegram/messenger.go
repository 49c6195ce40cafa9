// Package telegram connects the relay to the Telegram Bot API: outbound
// messages and typing indicators, inbound updates by webhook or long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/Veraticus/chatrelay/internal/queue"
)

const (
	// MaxMessageLength is the Bot API limit for one text message, in runes.
	MaxMessageLength = 4096

	// DefaultSendRate is the default number of Bot API calls per second.
	DefaultSendRate = 30

	// resumeWindow is how long a partly sent reply is remembered. A retry of
	// the same reply within it skips the parts already delivered.
	resumeWindow = 2 * time.Minute
)

// botAPI is the part of *tgbotapi.BotAPI used for outbound calls.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

var _ queue.Messenger = (*Messenger)(nil)

// Messenger delivers replies and typing indicators through the Bot API.
// All calls share one rate limiter so bursts from many workers stay under
// Telegram's flood limits.
type Messenger struct {
	api      botAPI
	limiter  *rate.Limiter
	logger   *slog.Logger
	partial  map[partialKey]partialSend
	now      func() time.Time
	partialM sync.Mutex
}

type partialKey struct {
	chatRef string
	text    string
}

// partialSend records how many parts of a split reply were delivered.
type partialSend struct {
	at   time.Time
	sent int
}

// MessengerOption configures a Messenger.
type MessengerOption func(*Messenger)

// WithSendRate limits outbound calls to perSecond, with an equal burst.
func WithSendRate(perSecond float64) MessengerOption {
	return func(m *Messenger) {
		if perSecond > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
		}
	}
}

// WithMessengerLogger sets a custom logger.
func WithMessengerLogger(logger *slog.Logger) MessengerOption {
	return func(m *Messenger) {
		m.logger = logger
	}
}

// NewBot connects to the Bot API. An empty endpoint uses api.telegram.org.
func NewBot(token, endpoint string, client *http.Client) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	return bot, nil
}

// NewMessenger creates a Messenger over api.
func NewMessenger(api botAPI, opts ...MessengerOption) *Messenger {
	m := &Messenger{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(DefaultSendRate), DefaultSendRate),
		logger:  slog.Default(),
		partial: make(map[partialKey]partialSend),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "telegram.messenger"))
	return m
}

// Send delivers text to the chat, split into several messages when it
// exceeds MaxMessageLength. When a part fails, calling Send again with the
// same chat and text resumes at that part.
func (m *Messenger) Send(ctx context.Context, chatRef string, text string) error {
	chatID, err := parseChatRef(chatRef)
	if err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("message cannot be empty")
	}

	parts := splitMessage(text, MaxMessageLength)
	key := partialKey{chatRef: chatRef, text: text}
	start := 0
	if len(parts) > 1 {
		start = m.resumePoint(key)
		if start > 0 {
			m.logger.InfoContext(ctx, "Resuming split reply",
				slog.String("chat_ref", chatRef),
				slog.Int("from_part", start+1),
				slog.Int("parts", len(parts)))
		}
	}

	for i := start; i < len(parts); i++ {
		if err := m.limiter.Wait(ctx); err != nil {
			m.recordPartial(key, i)
			return fmt.Errorf("send rate limit: %w", err)
		}
		if _, err := m.api.Send(tgbotapi.NewMessage(chatID, parts[i])); err != nil {
			m.recordPartial(key, i)
			return fmt.Errorf("failed to send message part %d/%d: %w", i+1, len(parts), err)
		}
	}
	if len(parts) > 1 {
		m.forgetPartial(key)
	}

	if len(parts) > 1 {
		m.logger.DebugContext(ctx, "Sent long reply in parts",
			slog.String("chat_ref", chatRef),
			slog.Int("parts", len(parts)))
	}
	return nil
}

// resumePoint returns the index of the first undelivered part of key.
func (m *Messenger) resumePoint(key partialKey) int {
	m.partialM.Lock()
	defer m.partialM.Unlock()
	p, ok := m.partial[key]
	if !ok || m.now().Sub(p.at) > resumeWindow {
		return 0
	}
	return p.sent
}

func (m *Messenger) recordPartial(key partialKey, sent int) {
	m.partialM.Lock()
	defer m.partialM.Unlock()
	now := m.now()
	for k, p := range m.partial {
		if now.Sub(p.at) > resumeWindow {
			delete(m.partial, k)
		}
	}
	if sent > 0 {
		m.partial[key] = partialSend{at: now, sent: sent}
	}
}

func (m *Messenger) forgetPartial(key partialKey) {
	m.partialM.Lock()
	delete(m.partial, key)
	m.partialM.Unlock()
}

// SendTyping shows the typing indicator in the chat.
func (m *Messenger) SendTyping(ctx context.Context, chatRef string) error {
	chatID, err := parseChatRef(chatRef)
	if err != nil {
		return err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	if _, err := m.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send typing indicator: %w", err)
	}
	return nil
}

// SetWebhook registers url as the bot's webhook.
func SetWebhook(api botAPI, url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if _, err := api.Request(wh); err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes the bot's webhook so long polling can be used.
func DeleteWebhook(api botAPI) error {
	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

func parseChatRef(chatRef string) (int64, error) {
	if chatRef == "" {
		return 0, fmt.Errorf("chat reference cannot be empty")
	}
	chatID, err := strconv.ParseInt(chatRef, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat reference %q: %w", chatRef, err)
	}
	return chatID, nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring to
// cut after a newline in the second half of a piece.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		if i := lastIndexRune(runes[:limit], '\n'); i >= limit/2 {
			cut = i + 1
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
