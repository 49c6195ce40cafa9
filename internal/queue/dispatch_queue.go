package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// DispatchQueue is a bounded FIFO of pending messages shared by the
// transport and the worker pool. Enqueue blocks while the queue is full;
// nothing is ever dropped. Shutdown stops admission and lets workers drain
// what is left.
type DispatchQueue struct {
	items    chan PendingMessage
	done     chan struct{}
	once     sync.Once
	mu       sync.RWMutex // Held shared by enqueuers, exclusively to close items
	closed   bool
	enqueued atomic.Int64
	dequeued atomic.Int64
	refused  atomic.Int64
}

// NewDispatchQueue creates a queue holding up to capacity messages.
// A non-positive capacity uses DefaultQueueCapacity.
func NewDispatchQueue(capacity int) *DispatchQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &DispatchQueue{
		items: make(chan PendingMessage, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue adds msg to the tail of the queue, waiting for space if needed.
// It returns ErrShutdownInProgress once Shutdown was called, or the context
// error if ctx ends first.
func (q *DispatchQueue) Enqueue(ctx context.Context, msg PendingMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.refused.Add(1)
		return ErrShutdownInProgress
	}
	// Shutdown closes done before it can take the write lock.
	select {
	case <-q.done:
		q.refused.Add(1)
		return ErrShutdownInProgress
	default:
	}

	select {
	case q.items <- msg:
		q.enqueued.Add(1)
		return nil
	case <-q.done:
		q.refused.Add(1)
		return ErrShutdownInProgress
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the message at the head of the queue, waiting until one
// is available. It returns false once the queue was shut down and drained,
// or when ctx ends.
func (q *DispatchQueue) Dequeue(ctx context.Context) (PendingMessage, bool) {
	select {
	case msg, ok := <-q.items:
		if ok {
			q.dequeued.Add(1)
		}
		return msg, ok
	case <-ctx.Done():
		return PendingMessage{}, false
	}
}

// Shutdown stops admission. Blocked enqueuers return ErrShutdownInProgress;
// queued messages stay available until drained. Safe to call repeatedly.
func (q *DispatchQueue) Shutdown() {
	q.once.Do(func() {
		close(q.done)

		// Wait for in-flight enqueuers to leave before closing the channel.
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
}

// Done is closed when Shutdown is called.
func (q *DispatchQueue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of queued messages.
func (q *DispatchQueue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *DispatchQueue) Cap() int {
	return cap(q.items)
}

// Stats returns queue statistics.
func (q *DispatchQueue) Stats() map[string]any {
	shutdown := false
	select {
	case <-q.done:
		shutdown = true
	default:
	}

	return map[string]any{
		"depth":    q.Len(),
		"capacity": q.Cap(),
		"enqueued": q.enqueued.Load(),
		"dequeued": q.dequeued.Load(),
		"refused":  q.refused.Load(),
		"shutdown": shutdown,
	}
}
