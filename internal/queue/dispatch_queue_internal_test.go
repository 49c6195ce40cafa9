package queue

import (
	"context"
	"errors"
	"testing"
)

// TestDispatchQueue_RejectsOnceDoneClosed covers the moment inside Shutdown
// after done is closed but before items is.
func TestDispatchQueue_RejectsOnceDoneClosed(t *testing.T) {
	q := NewDispatchQueue(1000)
	close(q.done)

	for range 200 {
		if err := q.Enqueue(context.Background(), PendingMessage{ID: "late"}); !errors.Is(err, ErrShutdownInProgress) {
			t.Fatalf("Enqueue() error = %v, want ErrShutdownInProgress", err)
		}
	}
	if n := q.Len(); n != 0 {
		t.Errorf("queue holds %d messages after shutdown began", n)
	}
	if got := q.Stats()["refused"]; got != int64(200) {
		t.Errorf("refused = %v, want 200", got)
	}
}
