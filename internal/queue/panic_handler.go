package queue

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// PanicHandler is told about a panic recovered while a worker processed a
// message. The worker moves on to the next message afterwards.
type PanicHandler interface {
	HandlePanic(workerID string, msg PendingMessage, panicValue any, stackTrace []byte)
}

// DefaultPanicHandler logs panics with their stack trace.
type DefaultPanicHandler struct {
	logger *slog.Logger
}

// NewDefaultPanicHandler returns a handler logging to logger, or to the
// default logger when nil.
func NewDefaultPanicHandler(logger *slog.Logger) *DefaultPanicHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultPanicHandler{logger: logger}
}

// HandlePanic logs the panic with stack trace.
func (h *DefaultPanicHandler) HandlePanic(workerID string, msg PendingMessage, panicValue any, stackTrace []byte) {
	h.logger.ErrorContext(context.Background(), "PANIC in worker",
		slog.String("worker_id", workerID),
		slog.String("message_id", msg.ID),
		slog.String("user_key", msg.UserKey),
		slog.Any("panic", panicValue),
		slog.String("stack_trace", string(stackTrace)))
}

// MetricsPanicHandler calls onPanic before delegating to the wrapped handler.
type MetricsPanicHandler struct {
	wrapped PanicHandler
	onPanic func(workerID string, panicValue any)
}

// NewMetricsPanicHandler wraps another handler to add metrics tracking.
func NewMetricsPanicHandler(wrapped PanicHandler, onPanic func(string, any)) *MetricsPanicHandler {
	return &MetricsPanicHandler{
		wrapped: wrapped,
		onPanic: onPanic,
	}
}

// HandlePanic calls the metrics callback and delegates to the wrapped handler.
func (h *MetricsPanicHandler) HandlePanic(workerID string, msg PendingMessage, panicValue any, stackTrace []byte) {
	if h.onPanic != nil {
		h.onPanic(workerID, panicValue)
	}
	if h.wrapped != nil {
		h.wrapped.HandlePanic(workerID, msg, panicValue, stackTrace)
	}
}

// handleRecoveredPanic reports a recovered panic with the current stack.
func handleRecoveredPanic(workerID string, msg PendingMessage, panicValue any, handler PanicHandler) {
	if handler == nil {
		handler = NewDefaultPanicHandler(nil)
	}
	handler.HandlePanic(workerID, msg, panicValue, debug.Stack())
}
