package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultExpiry is how long a session may stay idle before the sweep evicts it.
const DefaultExpiry = time.Hour

// session is the in-memory state of one user's conversation.
type session struct {
	lastActive time.Time
	handle     Handle
	history    []Turn
}

func (s *session) view(key string) Session {
	history := make([]Turn, len(s.history))
	copy(history, s.history)
	return Session{
		Key:        key,
		History:    history,
		Handle:     s.handle,
		LastActive: s.lastActive,
	}
}

// Store is the thread-safe map from user key to session state, backed by a
// Gateway. Critical sections only touch the map; history loads, handle
// opening and persistence run outside the lock.
type Store struct {
	gateway  Gateway
	opener   HandleOpener
	sessions map[string]*session
	logger   *slog.Logger
	now      func() time.Time
	expiry   time.Duration
	mu       sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithExpiry sets the idle duration after which EvictStale removes a session.
func WithExpiry(expiry time.Duration) StoreOption {
	return func(s *Store) {
		if expiry > 0 {
			s.expiry = expiry
		}
	}
}

// NewStore creates a session store.
func NewStore(gateway Gateway, opener HandleOpener, opts ...StoreOption) (*Store, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opener == nil {
		return nil, fmt.Errorf("handle opener is required")
	}

	s := &Store{
		gateway:  gateway,
		opener:   opener,
		sessions: make(map[string]*session),
		logger:   slog.Default(),
		now:      time.Now,
		expiry:   DefaultExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "conversation.store"))

	return s, nil
}

// Expiry returns the configured idle expiry.
func (s *Store) Expiry() time.Duration {
	return s.expiry
}

// GetOrCreate returns the active session for key, creating it on first
// contact. A new session replays the persisted history and opens a fresh
// AI handle; sessions restored at startup keep their history and only get a
// handle.
func (s *Store) GetOrCreate(ctx context.Context, key, username string) (Session, error) {
	if key == "" {
		return Session{}, fmt.Errorf("user key cannot be empty")
	}

	s.mu.Lock()
	existing, ok := s.sessions[key]
	if ok && existing.handle != nil {
		existing.lastActive = s.now()
		view := existing.view(key)
		s.mu.Unlock()
		return view, nil
	}
	s.mu.Unlock()

	var history []Turn
	if !ok {
		if err := s.gateway.EnsureUser(ctx, key, username); err != nil {
			s.logger.WarnContext(ctx, "Failed to record user",
				slog.String("user_key", key),
				slog.Any("error", err))
		}

		loaded, err := s.gateway.LoadHistory(ctx, key)
		if err != nil {
			// Degraded: serve the user without past context.
			s.logger.WarnContext(ctx, "Failed to load history, starting empty",
				slog.String("user_key", key),
				slog.Any("error", err))
		}
		history = loaded
	}

	handle, err := s.opener.Open(ctx, key)
	if err != nil {
		return Session{}, fmt.Errorf("%w: open handle for %s: %w", ErrGeneration, key, err)
	}

	s.mu.Lock()
	cur, ok := s.sessions[key]
	if !ok {
		cur = &session{history: history}
		s.sessions[key] = cur
	}
	// A concurrent worker may have activated the session while we were
	// opening ours. Only one handle per key survives; the installed one may
	// already be in use, so the fresh one is discarded.
	discard := handle
	if cur.handle == nil {
		cur.handle = handle
		discard = nil
	}
	cur.lastActive = s.now()
	view := cur.view(key)
	s.mu.Unlock()

	if discard != nil {
		s.closeHandle(ctx, key, discard)
	}

	s.logger.DebugContext(ctx, "Session activated",
		slog.String("user_key", key),
		slog.Int("history", len(view.History)))

	return view, nil
}

// AppendTurn persists turn and appends it to the in-memory history. The
// durable write happens first; if it fails the turn is still kept in memory
// and the returned error wraps ErrPersistence.
func (s *Store) AppendTurn(ctx context.Context, key string, turn Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("invalid role %q", turn.Role)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}

	var persistErr error
	if err := s.gateway.AppendTurn(ctx, key, turn); err != nil {
		persistErr = fmt.Errorf("%w: append %s turn for %s: %w", ErrPersistence, turn.Role, key, err)
	}

	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok {
		sess.history = append(sess.history, turn)
		sess.lastActive = s.now()
	}
	s.mu.Unlock()

	return persistErr
}

// History returns a copy of the in-memory history for key.
func (s *Store) History(key string) ([]Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	return sess.view(key).History, true
}

// EvictStale removes sessions idle for longer than the expiry and returns
// their keys. Persisted history is untouched, so a later message rebuilds
// the session from it.
func (s *Store) EvictStale(now time.Time) []string {
	cutoff := now.Add(-s.expiry)

	var evicted []string
	var handles []Handle

	s.mu.Lock()
	for key, sess := range s.sessions {
		if sess.lastActive.Before(cutoff) {
			evicted = append(evicted, key)
			if sess.handle != nil {
				handles = append(handles, sess.handle)
			}
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			s.logger.Warn("Failed to close evicted handle", slog.Any("error", err))
		}
	}

	return evicted
}

// End explicitly ends the session for key. It reports whether a session
// existed.
func (s *Store) End(key string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	if ok && sess.handle != nil {
		s.closeHandle(context.Background(), key, sess.handle)
	}
	return ok
}

// FlushAll writes a snapshot of every session to the gateway.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	pending := make(map[string]snapshot, len(s.sessions))
	for key, sess := range s.sessions {
		pending[key] = snapshot{
			History:    sess.view(key).History,
			LastActive: sess.lastActive,
		}
	}
	s.mu.Unlock()

	var errs []error
	for key, snap := range pending {
		data, err := encodeSnapshot(snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode snapshot for %s: %w", key, err))
			continue
		}
		if err := s.gateway.SaveSnapshot(ctx, key, data); err != nil {
			errs = append(errs, fmt.Errorf("%w: save snapshot for %s: %w", ErrPersistence, key, err))
		}
	}

	return errors.Join(errs...)
}

// Restore loads the snapshots of every known user. A snapshot older than the
// turn log is replaced by the log. Restored sessions hold history but no
// handle until the user's next message.
func (s *Store) Restore(ctx context.Context) error {
	users, err := s.gateway.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	restored := 0
	for _, key := range users {
		data, err := s.gateway.LoadSnapshot(ctx, key)
		if errors.Is(err, ErrNoSnapshot) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load snapshot for %s: %w", key, err)
		}

		snap, err := decodeSnapshot(data)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping unreadable snapshot",
				slog.String("user_key", key),
				slog.Any("error", err))
			continue
		}

		lastActive := snap.LastActive
		if lastActive.IsZero() {
			lastActive = s.now()
		}
		history := s.reconcile(ctx, key, snap.History)

		s.mu.Lock()
		if _, exists := s.sessions[key]; !exists {
			s.sessions[key] = &session{history: history, lastActive: lastActive}
			restored++
		}
		s.mu.Unlock()
	}

	s.logger.InfoContext(ctx, "Restored sessions",
		slog.Int("known_users", len(users)),
		slog.Int("restored", restored))
	return nil
}

// reconcile returns the longer of the snapshot history and the turn log.
// Turns appended after the last flush only exist in the log.
func (s *Store) reconcile(ctx context.Context, key string, snapHistory []Turn) []Turn {
	logged, err := s.gateway.LoadHistory(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to load history, using snapshot",
			slog.String("user_key", key),
			slog.Any("error", err))
		return snapHistory
	}
	if len(logged) > len(snapHistory) {
		s.logger.InfoContext(ctx, "Snapshot behind turn log, replaying log",
			slog.String("user_key", key),
			slog.Int("snapshot_turns", len(snapHistory)),
			slog.Int("logged_turns", len(logged)))
		return logged
	}
	return snapHistory
}

// Close closes every open handle. Sessions stay in memory so a final flush
// can still run.
func (s *Store) Close() {
	s.mu.Lock()
	handles := make(map[string]Handle)
	for key, sess := range s.sessions {
		if sess.handle != nil {
			handles[key] = sess.handle
			sess.handle = nil
		}
	}
	s.mu.Unlock()

	for key, h := range handles {
		s.closeHandle(context.Background(), key, h)
	}
}

// Len returns the number of sessions in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stats returns current session statistics.
func (s *Store) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	turns := 0
	for _, sess := range s.sessions {
		if sess.handle != nil {
			active++
		}
		turns += len(sess.history)
	}

	return map[string]int{
		"total":  len(s.sessions),
		"active": active,
		"turns":  turns,
	}
}

func (s *Store) closeHandle(ctx context.Context, key string, h Handle) {
	if err := h.Close(); err != nil {
		s.logger.WarnContext(ctx, "Failed to close handle",
			slog.String("user_key", key),
			slog.Any("error", err))
	}
}
