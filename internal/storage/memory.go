package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

type memorySnapshot struct {
	savedAt time.Time
	state   []byte
}

// Memory implements conversation.Gateway in process memory.
type Memory struct {
	users     map[string]string
	turns     map[string][]conversation.Turn
	snapshots map[string]memorySnapshot
	now       func() time.Time
	mu        sync.RWMutex
	closed    bool
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]string),
		turns:     make(map[string][]conversation.Turn),
		snapshots: make(map[string]memorySnapshot),
		now:       time.Now,
	}
}

// EnsureUser records the user if it is not known yet.
func (m *Memory) EnsureUser(_ context.Context, userKey, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.users[userKey]; !ok {
		m.users[userKey] = username
	}
	return nil
}

// AppendTurn appends a turn to the user's log, registering the user first.
func (m *Memory) AppendTurn(_ context.Context, userKey string, turn conversation.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.users[userKey]; !ok {
		m.users[userKey] = ""
	}
	m.turns[userKey] = append(m.turns[userKey], turn)
	return nil
}

// LoadHistory returns a copy of the user's turns in insertion order.
func (m *Memory) LoadHistory(_ context.Context, userKey string) ([]conversation.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	turns := m.turns[userKey]
	out := make([]conversation.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// SaveSnapshot upserts the user's session snapshot.
func (m *Memory) SaveSnapshot(_ context.Context, userKey string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.users[userKey]; !ok {
		m.users[userKey] = ""
	}
	data := make([]byte, len(state))
	copy(data, state)
	m.snapshots[userKey] = memorySnapshot{state: data, savedAt: m.now()}
	return nil
}

// LoadSnapshot returns the user's snapshot or conversation.ErrNoSnapshot.
func (m *Memory) LoadSnapshot(_ context.Context, userKey string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	snap, ok := m.snapshots[userKey]
	if !ok {
		return nil, conversation.ErrNoSnapshot
	}
	data := make([]byte, len(snap.state))
	copy(data, snap.state)
	return data, nil
}

// ListUsers returns every known user key, sorted.
func (m *Memory) ListUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	users := make([]string, 0, len(m.users))
	for key := range m.users {
		users = append(users, key)
	}
	sort.Strings(users)
	return users, nil
}

// DeleteStaleSessions drops snapshots saved before now-expiry.
func (m *Memory) DeleteStaleSessions(_ context.Context, expiry time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	cutoff := m.now().Add(-expiry)
	removed := 0
	for key, snap := range m.snapshots {
		if snap.savedAt.Before(cutoff) {
			delete(m.snapshots, key)
			removed++
		}
	}
	return removed, nil
}

// Close marks the gateway closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
