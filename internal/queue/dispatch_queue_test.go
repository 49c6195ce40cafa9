package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/chatrelay/internal/queue"
)

func TestDispatchQueue_FIFO(t *testing.T) {
	q := queue.NewDispatchQueue(10)
	ctx := context.Background()

	for i := range 5 {
		if err := q.Enqueue(ctx, queue.PendingMessage{ID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if q.Len() != 5 || q.Cap() != 10 {
		t.Errorf("Len/Cap = %d/%d, want 5/10", q.Len(), q.Cap())
	}

	for i := range 5 {
		msg, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatalf("Dequeue(%d) returned !ok", i)
		}
		if msg.ID != fmt.Sprint(i) {
			t.Errorf("Dequeue(%d) = %s, want %d", i, msg.ID, i)
		}
	}
}

func TestDispatchQueue_DefaultCapacity(t *testing.T) {
	if got := queue.NewDispatchQueue(0).Cap(); got != queue.DefaultQueueCapacity {
		t.Errorf("Cap() = %d, want %d", got, queue.DefaultQueueCapacity)
	}
}

func TestDispatchQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := queue.NewDispatchQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, queue.PendingMessage{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, queue.PendingMessage{ID: "b"})
	}()

	select {
	case err := <-done:
		t.Fatalf("Enqueue should block on a full queue, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if msg, _ := q.Dequeue(ctx); msg.ID != "a" {
		t.Fatalf("Dequeue() = %s, want a", msg.ID)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Enqueue did not resume")
	}
	if msg, _ := q.Dequeue(ctx); msg.ID != "b" {
		t.Errorf("Dequeue() = %s, want b", msg.ID)
	}
}

func TestDispatchQueue_EnqueueContextCanceled(t *testing.T) {
	q := queue.NewDispatchQueue(1)
	if err := q.Enqueue(context.Background(), queue.PendingMessage{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, queue.PendingMessage{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatchQueue_ShutdownRejectsAndDrains(t *testing.T) {
	q := queue.NewDispatchQueue(5)
	ctx := context.Background()

	for i := range 3 {
		if err := q.Enqueue(ctx, queue.PendingMessage{ID: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}

	q.Shutdown()
	q.Shutdown() // idempotent

	if err := q.Enqueue(ctx, queue.PendingMessage{}); !errors.Is(err, queue.ErrShutdownInProgress) {
		t.Errorf("expected ErrShutdownInProgress, got %v", err)
	}

	for i := range 3 {
		msg, ok := q.Dequeue(ctx)
		if !ok || msg.ID != fmt.Sprint(i) {
			t.Fatalf("drain %d = %+v, %v", i, msg, ok)
		}
	}
	if _, ok := q.Dequeue(ctx); ok {
		t.Error("Dequeue on a drained, shut down queue should return false")
	}

	select {
	case <-q.Done():
	default:
		t.Error("Done() should be closed after Shutdown")
	}
}

func TestDispatchQueue_ShutdownUnblocksEnqueuers(t *testing.T) {
	q := queue.NewDispatchQueue(1)
	ctx := context.Background()
	if err := q.Enqueue(ctx, queue.PendingMessage{ID: "held"}); err != nil {
		t.Fatal(err)
	}

	const blocked = 3
	errs := make(chan error, blocked)
	for range blocked {
		go func() {
			errs <- q.Enqueue(ctx, queue.PendingMessage{})
		}()
	}
	time.Sleep(20 * time.Millisecond)

	q.Shutdown()
	for range blocked {
		select {
		case err := <-errs:
			if !errors.Is(err, queue.ErrShutdownInProgress) {
				t.Errorf("expected ErrShutdownInProgress, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("enqueuer still blocked after Shutdown")
		}
	}
}

func TestDispatchQueue_ShutdownWakesIdleWorkers(t *testing.T) {
	q := queue.NewDispatchQueue(5)

	const workers = 4
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Dequeue(context.Background()); ok {
				t.Error("expected no message")
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle workers were not woken by Shutdown")
	}
}

func TestDispatchQueue_ExactlyOnce(t *testing.T) {
	q := queue.NewDispatchQueue(8)
	ctx := context.Background()

	const producers = 4
	const perProducer = 250
	const consumers = 6

	var seen sync.Map
	var dupes, total int64
	var mu sync.Mutex

	var consumerWG sync.WaitGroup
	for range consumers {
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			for {
				msg, ok := q.Dequeue(ctx)
				if !ok {
					return
				}
				mu.Lock()
				total++
				if _, loaded := seen.LoadOrStore(msg.ID, true); loaded {
					dupes++
				}
				mu.Unlock()
			}
		}()
	}

	var producerWG sync.WaitGroup
	for p := range producers {
		producerWG.Add(1)
		go func(p int) {
			defer producerWG.Done()
			for i := range perProducer {
				if err := q.Enqueue(ctx, queue.PendingMessage{ID: fmt.Sprintf("%d-%d", p, i)}); err != nil {
					t.Errorf("Enqueue error = %v", err)
				}
			}
		}(p)
	}

	producerWG.Wait()
	q.Shutdown()
	consumerWG.Wait()

	if total != producers*perProducer || dupes != 0 {
		t.Errorf("dequeued %d (dupes %d), want %d exactly once", total, dupes, producers*perProducer)
	}

	stats := q.Stats()
	if stats["enqueued"] != int64(producers*perProducer) || stats["dequeued"] != int64(producers*perProducer) {
		t.Errorf("unexpected stats %v", stats)
	}
	if stats["shutdown"] != true {
		t.Error("stats should report shutdown")
	}
}
