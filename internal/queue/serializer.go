package queue

import (
	"context"
	"sync"
)

// userSerializer allows at most one message per user key in flight.
// Entries are reference counted and removed when no worker holds or waits
// for them.
type userSerializer struct {
	slots map[string]*userSlot
	mu    sync.Mutex
}

type userSlot struct {
	token chan struct{}
	refs  int
}

func newUserSerializer() *userSerializer {
	return &userSerializer{slots: make(map[string]*userSlot)}
}

// acquire waits for key's slot. The returned release must be called exactly
// once when err is nil.
func (s *userSerializer) acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	slot, ok := s.slots[key]
	if !ok {
		slot = &userSlot{token: make(chan struct{}, 1)}
		s.slots[key] = slot
	}
	slot.refs++
	s.mu.Unlock()

	select {
	case slot.token <- struct{}{}:
		return func() {
			<-slot.token
			s.unref(key, slot)
		}, nil
	case <-ctx.Done():
		s.unref(key, slot)
		return nil, ctx.Err()
	}
}

func (s *userSerializer) unref(key string, slot *userSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(s.slots, key)
	}
}

// size returns the number of keys currently held or awaited.
func (s *userSerializer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
