// Package conversation owns per-user session state: the in-memory history of
// every active conversation, its live AI handle, and the contract with the
// durable store behind it.
package conversation

import (
	"context"
	"iter"
	"time"
)

// Handle is a live AI conversation opened for a single user.
// The store shares one handle between every worker serving that user, so
// implementations must be safe for concurrent use and must reject calls
// after Close.
type Handle interface {
	// Generate returns the complete reply to text given the prior history.
	Generate(ctx context.Context, text string, history []Turn) (string, error)

	// Stream yields reply fragments as they are produced. The sequence is
	// finite and cannot be restarted; an error ends it.
	Stream(ctx context.Context, text string, history []Turn) iter.Seq2[string, error]

	// Close releases the handle.
	Close() error
}

// HandleOpener opens live AI handles.
type HandleOpener interface {
	Open(ctx context.Context, userKey string) (Handle, error)
}

// Gateway is the durable store for conversation turns and session snapshots.
type Gateway interface {
	// EnsureUser records the user if it is not known yet. Idempotent.
	EnsureUser(ctx context.Context, userKey, username string) error

	// AppendTurn appends a turn to the user's conversation log.
	AppendTurn(ctx context.Context, userKey string, turn Turn) error

	// LoadHistory returns the user's turns in insertion order.
	LoadHistory(ctx context.Context, userKey string) ([]Turn, error)

	// SaveSnapshot upserts the serialized session state for the user.
	SaveSnapshot(ctx context.Context, userKey string, state []byte) error

	// LoadSnapshot returns the serialized session state, or ErrNoSnapshot.
	LoadSnapshot(ctx context.Context, userKey string) ([]byte, error)

	// ListUsers returns every known user key.
	ListUsers(ctx context.Context) ([]string, error)

	// DeleteStaleSessions removes snapshots not saved within expiry and
	// returns how many were removed. Conversation logs are kept.
	DeleteStaleSessions(ctx context.Context, expiry time.Duration) (int, error)

	// Close releases the underlying connections.
	Close() error
}
