package queue_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/storage"
)

// mockMessenger records deliveries and can fail the first few sends.
type mockMessenger struct {
	sendErr     error
	sent        []sentMessage
	failFirst   int
	attempts    atomic.Int32
	typingCount atomic.Int32
	mu          sync.Mutex
}

type sentMessage struct {
	chatRef string
	text    string
}

func (m *mockMessenger) Send(_ context.Context, chatRef, text string) error {
	n := int(m.attempts.Add(1))
	if n <= m.failFirst {
		return errors.New("telegram unavailable")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{chatRef: chatRef, text: text})
	m.mu.Unlock()
	return nil
}

func (m *mockMessenger) SendTyping(_ context.Context, _ string) error {
	m.typingCount.Add(1)
	return nil
}

func (m *mockMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// scriptedHandle answers through reply, or streams fragments.
type scriptedHandle struct {
	reply     func(ctx context.Context, text string, history []conversation.Turn) (string, error)
	fragments []string
	streamErr error
	// fragmentGap is waited out on ctx before every fragment after the first.
	fragmentGap time.Duration
	closed      atomic.Bool
}

func (h *scriptedHandle) Generate(ctx context.Context, text string, history []conversation.Turn) (string, error) {
	if h.reply == nil {
		return "echo: " + text, nil
	}
	return h.reply(ctx, text, history)
}

func (h *scriptedHandle) Stream(ctx context.Context, text string, history []conversation.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if h.fragments == nil {
			reply, err := h.Generate(ctx, text, history)
			yield(reply, err)
			return
		}
		for i, f := range h.fragments {
			if i > 0 && h.fragmentGap > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(h.fragmentGap):
				}
			}
			if !yield(f, nil) {
				return
			}
		}
		if h.streamErr != nil {
			yield("", h.streamErr)
		}
	}
}

func (h *scriptedHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// handleOpener hands out the same scripted handle to every user.
type handleOpener struct {
	handle *scriptedHandle
	err    error
}

func (o *handleOpener) Open(_ context.Context, _ string) (conversation.Handle, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.handle, nil
}

type testEnv struct {
	gateway   *storage.Memory
	store     *conversation.Store
	messenger *mockMessenger
	handle    *scriptedHandle
	queue     *queue.DispatchQueue
	pool      *queue.WorkerPool
}

func newTestEnv(t *testing.T, configure func(*queue.PoolConfig)) *testEnv {
	t.Helper()

	env := &testEnv{
		gateway:   storage.NewMemory(),
		messenger: &mockMessenger{},
		handle:    &scriptedHandle{},
		queue:     queue.NewDispatchQueue(100),
	}

	store, err := conversation.NewStore(env.gateway, &handleOpener{handle: env.handle})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	env.store = store

	cfg := queue.PoolConfig{
		Size:           2,
		Queue:          env.queue,
		Sessions:       store,
		Messenger:      env.messenger,
		Retry:          queue.RetryPolicy{Attempts: 3, Delay: time.Millisecond},
		TypingInterval: time.Hour,
	}
	if configure != nil {
		configure(&cfg)
	}

	pool, err := queue.NewWorkerPool(cfg)
	if err != nil {
		t.Fatalf("NewWorkerPool() error = %v", err)
	}
	env.pool = pool
	return env
}

func (e *testEnv) persisted(t *testing.T, key string) []conversation.Turn {
	t.Helper()
	turns, err := e.gateway.LoadHistory(context.Background(), key)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	return turns
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
