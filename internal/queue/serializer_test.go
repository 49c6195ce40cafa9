package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestUserSerializer_OneHolderPerKey(t *testing.T) {
	s := newUserSerializer()
	ctx := context.Background()

	release, err := s.acquire(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}

	// A different key is not blocked.
	other, err := s.acquire(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.acquire(waitCtx, "42"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second holder should wait, got %v", err)
	}

	release()
	again, err := s.acquire(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	again()

	if s.size() != 0 {
		t.Errorf("slots should be removed once released, got %d", s.size())
	}
}

func TestUserSerializer_Concurrent(t *testing.T) {
	s := newUserSerializer()
	var inFlight, maxInFlight atomic.Int32

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.acquire(context.Background(), "42")
			if err != nil {
				t.Error(err)
				return
			}
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("max in flight = %d, want 1", maxInFlight.Load())
	}
	if s.size() != 0 {
		t.Errorf("slots leaked: %d", s.size())
	}
}

type typingCounter struct {
	counts map[string]int
	mu     sync.Mutex
}

func (c *typingCounter) Send(context.Context, string, string) error { return nil }

func (c *typingCounter) SendTyping(_ context.Context, chatRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[chatRef]++
	return nil
}

func (c *typingCounter) count(chatRef string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[chatRef]
}

func TestTypingManager_SharedPerChat(t *testing.T) {
	messenger := &typingCounter{counts: make(map[string]int)}
	m := newTypingManager(messenger, time.Hour, slog.Default())
	ctx := context.Background()

	stopA := m.start(ctx, "chat")
	stopB := m.start(ctx, "chat")
	if m.active() != 1 {
		t.Fatalf("active = %d, want 1 shared indicator", m.active())
	}

	stopA()
	stopA() // second call is a no-op
	if m.active() != 1 {
		t.Fatal("indicator should survive while another message holds it")
	}
	stopB()
	if m.active() != 0 {
		t.Fatal("indicator should stop when the last holder leaves")
	}

	deadline := time.Now().Add(time.Second)
	for messenger.count("chat") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if messenger.count("chat") == 0 {
		t.Error("expected an initial typing indicator")
	}
}

func TestTypingManager_StopAll(t *testing.T) {
	m := newTypingManager(&typingCounter{counts: make(map[string]int)}, time.Hour, slog.Default())
	ctx := context.Background()

	stop := m.start(ctx, "a")
	m.start(ctx, "b")
	m.stopAll()
	if m.active() != 0 {
		t.Errorf("active = %d after stopAll", m.active())
	}
	stop() // leaving after stopAll must not panic
}
