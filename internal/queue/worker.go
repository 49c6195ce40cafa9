package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/metrics"
)

// worker takes messages off the shared queue and runs each through the
// pipeline to completion.
type worker struct {
	pool   *WorkerPool
	logger *slog.Logger
	id     string
}

func newWorker(pool *WorkerPool, n int) *worker {
	id := fmt.Sprintf("worker-%d", n)
	return &worker{
		pool:   pool,
		id:     id,
		logger: pool.logger.With(slog.String("worker_id", id)),
	}
}

// ID returns the worker's identifier.
func (w *worker) ID() string {
	return w.id
}

// run processes messages until the queue is drained after shutdown or ctx
// is canceled.
func (w *worker) run(ctx context.Context) {
	w.logger.DebugContext(ctx, "Worker starting")
	defer w.logger.DebugContext(ctx, "Worker stopped")

	for {
		msg, ok := w.pool.cfg.Queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.pool.cfg.Metrics.SetQueueDepth(w.pool.cfg.Queue.Len())

		if err := w.process(ctx, msg); err != nil {
			w.logger.DebugContext(ctx, "Message finished with error",
				slog.String("message_id", msg.ID),
				slog.Any("error", err))
		}
	}
}

// process runs one message through the pipeline. Every failure is handled
// here; the returned error only reports what happened.
func (w *worker) process(ctx context.Context, msg PendingMessage) (err error) {
	p := w.pool
	p.stats.processed.Add(1)
	p.stats.busy.Add(1)
	defer p.stats.busy.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			p.cfg.Metrics.MessageProcessed(metrics.OutcomePanic)
			handleRecoveredPanic(w.id, msg, r, p.cfg.PanicHandler)
			err = messageError(msg, fmt.Errorf("panic: %v", r))
		}
	}()

	if p.serializer != nil {
		release, err := p.serializer.acquire(ctx, msg.UserKey)
		if err != nil {
			return messageError(msg, err)
		}
		defer release()
	}

	if !p.cfg.RateLimiter.Allow(msg.UserKey) {
		p.stats.rejected.Add(1)
		p.cfg.Metrics.AdmissionRejected()
		p.cfg.Metrics.MessageProcessed(metrics.OutcomeRejected)
		w.logger.WarnContext(ctx, "Rate limit exceeded, dropping message",
			slog.String("message_id", msg.ID),
			slog.String("user_key", msg.UserKey))
		return messageError(msg, ErrAdmissionRejected)
	}

	stopTyping := p.typing.start(ctx, msg.ChatRef)
	defer stopTyping()

	sess, err := p.cfg.Sessions.GetOrCreate(ctx, msg.UserKey, msg.Username)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to activate session",
			slog.String("user_key", msg.UserKey),
			slog.Any("error", err))
		return messageError(msg, w.fallback(ctx, msg, fmt.Errorf("%w: %w", ErrGeneration, err)))
	}

	w.appendTurn(ctx, msg.UserKey, conversation.NewTurn(conversation.RoleUser, msg.Text))

	if p.cfg.Mode == ModeStream {
		return messageError(msg, w.stream(ctx, msg, sess))
	}
	return messageError(msg, w.whole(ctx, msg, sess))
}

// whole generates the complete reply, persists it, then delivers it.
func (w *worker) whole(ctx context.Context, msg PendingMessage, sess conversation.Session) error {
	p := w.pool

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	start := time.Now()
	reply, err := sess.Handle.Generate(genCtx, msg.Text, sess.History)
	cancel()
	if err == nil && reply == "" {
		err = errors.New("empty reply")
	}
	p.cfg.Metrics.ObserveGeneration(string(ModeWhole), time.Since(start), err)

	if err != nil {
		w.logger.ErrorContext(ctx, "Generation failed",
			slog.String("message_id", msg.ID),
			slog.String("user_key", msg.UserKey),
			slog.Any("error", err))
		return w.fallback(ctx, msg, fmt.Errorf("%w: %w", ErrGeneration, err))
	}

	w.appendTurn(ctx, msg.UserKey, conversation.NewTurn(conversation.RoleModel, reply))

	if err := w.deliver(ctx, msg, reply); err != nil {
		p.cfg.Metrics.MessageProcessed(metrics.OutcomeUndelivered)
		return err
	}
	p.stats.replied.Add(1)
	p.cfg.Metrics.MessageProcessed(metrics.OutcomeReplied)
	return nil
}

// stream persists each fragment as it arrives and hands it to a sender that
// delivers in order. Only generation counts against GenerateTimeout.
// Fragments that were already sent stay sent if the stream later fails.
func (w *worker) stream(ctx context.Context, msg PendingMessage, sess conversation.Session) error {
	p := w.pool

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	defer cancel()

	sender := newFragmentSender(ctx, w, msg)
	defer sender.close()

	start := time.Now()
	fragments := 0

	for fragment, err := range sess.Handle.Stream(genCtx, msg.Text, sess.History) {
		if err != nil {
			p.cfg.Metrics.ObserveGeneration(string(ModeStream), time.Since(start), err)
			w.logger.ErrorContext(ctx, "Stream failed",
				slog.String("message_id", msg.ID),
				slog.String("user_key", msg.UserKey),
				slog.Int("fragments_received", fragments),
				slog.Any("error", err))
			deliverErr := sender.close()
			return errors.Join(w.fallback(ctx, msg, fmt.Errorf("%w: %w", ErrGeneration, err)), deliverErr)
		}
		if fragment == "" {
			continue
		}

		w.appendTurn(ctx, msg.UserKey, conversation.NewTurn(conversation.RoleModel, fragment))
		sender.push(fragment)
		fragments++
	}
	p.cfg.Metrics.ObserveGeneration(string(ModeStream), time.Since(start), nil)

	deliverErr := sender.close()
	if fragments == 0 {
		return w.fallback(ctx, msg, fmt.Errorf("%w: empty reply", ErrGeneration))
	}
	if deliverErr != nil {
		p.cfg.Metrics.MessageProcessed(metrics.OutcomeUndelivered)
		return deliverErr
	}
	p.stats.replied.Add(1)
	p.cfg.Metrics.MessageProcessed(metrics.OutcomeReplied)
	return nil
}

// appendTurn records a turn. Storage failures degrade to memory only.
func (w *worker) appendTurn(ctx context.Context, key string, turn conversation.Turn) {
	if err := w.pool.cfg.Sessions.AppendTurn(ctx, key, turn); err != nil {
		w.pool.stats.persistenceFailures.Add(1)
		w.pool.cfg.Metrics.PersistenceFailed()
		w.logger.WarnContext(ctx, "Turn not persisted",
			slog.String("user_key", key),
			slog.String("role", string(turn.Role)),
			slog.Any("error", err))
	}
}

// fallback sends the fallback text after cause and returns cause joined with
// any delivery failure.
func (w *worker) fallback(ctx context.Context, msg PendingMessage, cause error) error {
	w.pool.stats.fallbacks.Add(1)
	w.pool.cfg.Metrics.MessageProcessed(metrics.OutcomeFallback)
	return errors.Join(cause, w.deliver(ctx, msg, w.pool.cfg.FallbackText))
}

// deliver sends text with the retry policy, bounding every attempt by the
// delivery timeout.
func (w *worker) deliver(ctx context.Context, msg PendingMessage, text string) error {
	p := w.pool

	err := p.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		p.cfg.Metrics.DeliveryAttempt()
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
		defer cancel()

		err := p.cfg.Messenger.Send(sendCtx, msg.ChatRef, text)
		if err != nil {
			w.logger.WarnContext(ctx, "Delivery attempt failed",
				slog.String("message_id", msg.ID),
				slog.String("chat_ref", msg.ChatRef),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		return err
	})
	if err == nil {
		return nil
	}

	p.stats.undelivered.Add(1)
	p.cfg.Metrics.DeliveryFailed()
	w.logger.ErrorContext(ctx, "Reply lost",
		slog.String("message_id", msg.ID),
		slog.String("user_key", msg.UserKey),
		slog.Any("error", err))
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
}
