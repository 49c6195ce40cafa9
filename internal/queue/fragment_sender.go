package queue

import (
	"context"
	"errors"
	"sync"
)

// fragmentSender delivers stream fragments in order on its own goroutine.
// Queuing never blocks, so delivery retries run outside the generation
// deadline.
type fragmentSender struct {
	ctx     context.Context
	worker  *worker
	msg     PendingMessage
	wake    chan struct{}
	done    chan struct{}
	err     error
	pending []string
	mu      sync.Mutex
	closed  bool
}

func newFragmentSender(ctx context.Context, w *worker, msg PendingMessage) *fragmentSender {
	s := &fragmentSender{
		ctx:    ctx,
		worker: w,
		msg:    msg,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// push queues text for delivery after every fragment pushed before it.
func (s *fragmentSender) push(text string) {
	s.mu.Lock()
	s.pending = append(s.pending, text)
	s.mu.Unlock()
	s.signal()
}

// close waits until every queued fragment has been delivered or given up on
// and returns the joined delivery errors.
func (s *fragmentSender) close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.done
	return s.err
}

func (s *fragmentSender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *fragmentSender) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		text := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if err := s.worker.deliver(s.ctx, s.msg, text); err != nil {
			s.err = errors.Join(s.err, err)
		}
	}
}
