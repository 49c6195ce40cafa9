package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/llm"
	"github.com/Veraticus/chatrelay/internal/storage"
	"github.com/Veraticus/chatrelay/internal/telegram"
)

type captureMessenger struct {
	sent []string
	mu   sync.Mutex
}

func (m *captureMessenger) Send(_ context.Context, chatRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, chatRef+": "+text)
	return nil
}

func (m *captureMessenger) SendTyping(context.Context, string) error { return nil }

func (m *captureMessenger) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// scriptedConfig loads defaults with the scripted AI provider so no network
// backend is needed.
func scriptedConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("CHATRELAY_AI_PROVIDER", "scripted")
	t.Setenv("CHATRELAY_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", slog.String("k", "v"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])

	buf.Reset()
	logger = newLogger(config.LogConfig{Level: "nonsense", Format: "text"}, &buf)
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestRelay_WebhookToReply(t *testing.T) {
	cfg := scriptedConfig(t)
	ctx := context.Background()
	messenger := &captureMessenger{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := buildRelay(ctx, cfg, messenger, logger)
	require.NoError(t, err)
	require.NoError(t, r.supervisor.Start(ctx))

	webhook, err := telegram.NewWebhookHandler(r.supervisor, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(r.routes(webhook))
	defer srv.Close()

	update := `{"update_id":1,"message":{"message_id":1,"date":0,` +
		`"from":{"id":42,"first_name":"Alice","username":"alice"},` +
		`"chat":{"id":4242,"type":"private"},"text":"hello"}}`
	resp, err := http.Post(srv.URL+cfg.HTTP.WebhookPath, "application/json", strings.NewReader(update))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(messenger.messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "4242: You said: hello", messenger.messages()[0])

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatrelay_messages_enqueued_total 1")

	endSession := func() int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/admin/sessions/42", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, endSession())
	assert.Equal(t, http.StatusNotFound, endSession())

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.shutdown(shutdownCtx))
}

func TestBuildRelay_InvalidProvider(t *testing.T) {
	cfg := scriptedConfig(t)
	cfg.AI.Provider = "gemini"
	cfg.AI.APIKey = ""

	_, err := buildRelay(context.Background(), cfg, &captureMessenger{}, slog.Default())
	require.Error(t, err)
}

func TestOpenGateway(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: "memory"}}
	gateway, err := openGateway(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.Memory{}, gateway)

	cfg.Storage.Backend = "redis"
	_, err = openGateway(cfg, nil)
	require.Error(t, err, "redis backend without a client")

	mr := miniredis.RunT(t)
	gateway, err = openGateway(cfg, redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, err)
	assert.IsType(t, &storage.Redis{}, gateway)
	require.NoError(t, gateway.Close())

	cfg.Storage.Backend = "cassandra"
	_, err = openGateway(cfg, nil)
	require.Error(t, err)
}

func TestNewRateLimiter(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimitConfig{Backend: "memory", Limit: 1, Window: time.Minute}}
	limiter, cleaner := newRateLimiter(cfg, nil, slog.Default())
	require.NotNil(t, cleaner)
	assert.True(t, limiter.Allow("42"))
	assert.False(t, limiter.Allow("42"))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg.RateLimit.Backend = "redis"
	cfg.Redis.Prefix = "test:"
	limiter, cleaner = newRateLimiter(cfg, client, slog.Default())
	assert.Nil(t, cleaner)
	assert.True(t, limiter.Allow("42"))
	assert.False(t, limiter.Allow("42"))
	assert.NotEmpty(t, mr.Keys())
	assert.True(t, strings.HasPrefix(mr.Keys()[0], "test:ratelimit:"))
}

func TestPrintHistory(t *testing.T) {
	ctx := context.Background()
	gateway := storage.NewMemory()

	store, err := conversation.NewStore(gateway, llm.NewScripted())
	require.NoError(t, err)
	_, err = store.GetOrCreate(ctx, "42", "alice")
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(ctx, "42", conversation.NewTurn(conversation.RoleUser, "hello")))
	require.NoError(t, store.AppendTurn(ctx, "42", conversation.NewTurn(conversation.RoleModel, "hi alice")))

	var out bytes.Buffer
	require.NoError(t, printHistory(ctx, &out, gateway, "42", false))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "\tuser\thello"))
	assert.True(t, strings.HasSuffix(lines[1], "\tmodel\thi alice"))

	out.Reset()
	err = printHistory(ctx, &out, gateway, "42", true)
	require.ErrorIs(t, err, conversation.ErrNoSnapshot)

	require.NoError(t, store.FlushAll(ctx))
	require.NoError(t, printHistory(ctx, &out, gateway, "42", true))
	assert.Contains(t, out.String(), "hi alice")

	out.Reset()
	require.NoError(t, printHistory(ctx, &out, gateway, "7", false))
	assert.Equal(t, "no turns stored for 7\n", out.String())
}

func TestConfigCommand_MasksSecrets(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("DATABASE_URL", "")

	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telegram:\n  token: secret-token\nworkers:\n  size: 7\n"), 0o600))

	out, err := executeCLI(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "size: 7")
	assert.NotContains(t, out, "secret-token")
}

func TestHistoryCommand_NeedsPersistentStorage(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CHATRELAY_STORAGE_BACKEND", "memory")

	_, err := executeCLI(t, "history", "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistent storage")

	_, err = executeCLI(t, "history")
	require.Error(t, err, "user key is required")
}

func TestServeCommand_RejectsInvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("CHATRELAY_TELEGRAM_TOKEN", "")

	_, err := executeCLI(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token is required")
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}
