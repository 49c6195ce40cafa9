package queue

import (
	"sync"
	"time"
)

// Rate limiter defaults: 30 messages per user per minute.
const (
	DefaultRateLimit  = 30
	DefaultRateWindow = time.Minute
)

// slidingWindow holds the admitted request times of one key, oldest first.
type slidingWindow struct {
	lastSeen time.Time
	stamps   []time.Time
	mu       sync.Mutex
}

// allow purges expired stamps and admits iff fewer than limit remain.
func (w *slidingWindow) allow(now time.Time, limit int, window time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = now
	w.purge(now.Add(-window))

	if len(w.stamps) >= limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

func (w *slidingWindow) purge(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// SlidingWindowLimiter admits at most limit requests per key within any
// trailing window. Keys share a read lock on the map and contend only
// when a new key is added or stale keys are cleaned up.
type SlidingWindowLimiter struct {
	windows map[string]*slidingWindow
	now     func() time.Time
	window  time.Duration
	limit   int
	mu      sync.RWMutex
}

// NewSlidingWindowLimiter creates a limiter admitting limit requests per
// window for each key. Non-positive values use the defaults.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &SlidingWindowLimiter{
		windows: make(map[string]*slidingWindow),
		now:     time.Now,
		window:  window,
		limit:   limit,
	}
}

// Allow reports whether key may proceed now, recording the attempt if so.
// The map lock is held until the attempt is recorded, so CleanupStale cannot
// remove a window between lookup and admission.
func (rl *SlidingWindowLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.RLock()
	if w, ok := rl.windows[key]; ok {
		defer rl.mu.RUnlock()
		return w.allow(now, rl.limit, rl.window)
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[key]
	if !ok {
		w = &slidingWindow{}
		rl.windows[key] = w
	}
	return w.allow(now, rl.limit, rl.window)
}

// CleanupStale removes windows of keys not seen within maxAge.
func (rl *SlidingWindowLimiter) CleanupStale(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	removed := 0
	for key, w := range rl.windows {
		w.mu.Lock()
		if w.lastSeen.Before(cutoff) {
			delete(rl.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Stats returns rate limiter statistics.
func (rl *SlidingWindowLimiter) Stats() map[string]any {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	cutoff := rl.now().Add(-rl.window)
	inWindow := 0
	for _, w := range rl.windows {
		w.mu.Lock()
		w.purge(cutoff)
		inWindow += len(w.stamps)
		w.mu.Unlock()
	}

	return map[string]any{
		"keys":      len(rl.windows),
		"in_window": inWindow,
		"limit":     rl.limit,
		"window":    rl.window.String(),
	}
}
