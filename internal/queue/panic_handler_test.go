package queue

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDefaultPanicHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewDefaultPanicHandler(slog.New(slog.NewTextHandler(&buf, nil)))

	msg := PendingMessage{ID: "msg-1", UserKey: "42"}
	handler.HandlePanic("worker-1", msg, "test panic", []byte("stack trace here"))

	out := buf.String()
	for _, want := range []string{"PANIC in worker", "worker-1", "msg-1", "test panic", "stack trace here"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

type countingPanicHandler struct {
	calls atomic.Int32
}

func (h *countingPanicHandler) HandlePanic(string, PendingMessage, any, []byte) {
	h.calls.Add(1)
}

func TestMetricsPanicHandler(t *testing.T) {
	var panicCount atomic.Int32
	var lastWorkerID string
	var lastPanicValue any

	onPanic := func(workerID string, panicValue any) {
		panicCount.Add(1)
		lastWorkerID = workerID
		lastPanicValue = panicValue
	}

	wrapped := &countingPanicHandler{}
	handler := NewMetricsPanicHandler(wrapped, onPanic)
	handler.HandlePanic("worker-1", PendingMessage{}, "panic 1", []byte("stack"))

	if panicCount.Load() != 1 {
		t.Errorf("Expected panic count 1, got %d", panicCount.Load())
	}
	if lastWorkerID != "worker-1" || lastPanicValue != "panic 1" {
		t.Errorf("callback got %s/%v", lastWorkerID, lastPanicValue)
	}
	if wrapped.calls.Load() != 1 {
		t.Error("wrapped handler should be called")
	}

	// Nil wrapped handler and nil callback are tolerated.
	NewMetricsPanicHandler(nil, nil).HandlePanic("worker-2", PendingMessage{}, "panic 2", nil)
}

func TestHandleRecoveredPanic(t *testing.T) {
	h := &countingPanicHandler{}

	func() {
		defer func() {
			if r := recover(); r != nil {
				handleRecoveredPanic("worker-1", PendingMessage{}, r, h)
			}
		}()
		panic("boom")
	}()

	if h.calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", h.calls.Load())
	}
}
