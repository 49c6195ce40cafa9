package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// typingIndicator is one chat's running indicator loop. Several messages for
// the same chat share it.
type typingIndicator struct {
	cancel context.CancelFunc
	refs   int
}

// typingManager keeps a typing indicator alive in every chat that has a
// message in progress.
type typingManager struct {
	messenger  Messenger
	logger     *slog.Logger
	indicators map[string]*typingIndicator
	interval   time.Duration
	mu         sync.Mutex
}

func newTypingManager(messenger Messenger, interval time.Duration, logger *slog.Logger) *typingManager {
	return &typingManager{
		messenger:  messenger,
		logger:     logger,
		indicators: make(map[string]*typingIndicator),
		interval:   interval,
	}
}

// start begins (or joins) the indicator for chatRef. The returned func
// leaves it; the loop stops when the last holder leaves.
func (m *typingManager) start(ctx context.Context, chatRef string) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ind, ok := m.indicators[chatRef]
	if !ok {
		indicatorCtx, cancel := context.WithCancel(ctx)
		ind = &typingIndicator{cancel: cancel}
		m.indicators[chatRef] = ind
		go m.run(indicatorCtx, chatRef)
	}
	ind.refs++

	var once sync.Once
	return func() {
		once.Do(func() { m.stop(chatRef, ind) })
	}
}

func (m *typingManager) stop(chatRef string, ind *typingIndicator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ind.refs--
	if ind.refs > 0 {
		return
	}
	ind.cancel()
	if m.indicators[chatRef] == ind {
		delete(m.indicators, chatRef)
	}
}

// stopAll cancels every indicator.
func (m *typingManager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for chatRef, ind := range m.indicators {
		ind.cancel()
		delete(m.indicators, chatRef)
	}
}

func (m *typingManager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.indicators)
}

// run sends the indicator now and then every interval until ctx ends.
// Failures are logged and do not stop the loop.
func (m *typingManager) run(ctx context.Context, chatRef string) {
	m.send(ctx, chatRef)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.send(ctx, chatRef)
		}
	}
}

func (m *typingManager) send(ctx context.Context, chatRef string) {
	if err := m.messenger.SendTyping(ctx, chatRef); err != nil && ctx.Err() == nil {
		m.logger.DebugContext(ctx, "Failed to send typing indicator",
			slog.String("chat_ref", chatRef),
			slog.Any("error", err))
	}
}
