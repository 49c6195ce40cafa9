package queue

import (
	"context"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// Messenger delivers replies to users.
// Implementations must be safe for concurrent use.
type Messenger interface {
	// Send delivers text to the chat identified by chatRef.
	Send(ctx context.Context, chatRef string, text string) error

	// SendTyping shows a typing indicator in the chat.
	SendTyping(ctx context.Context, chatRef string) error
}

// RateLimiter decides whether a user may have another message processed.
type RateLimiter interface {
	// Allow records an attempt for key and reports whether it is admitted.
	// A rejected attempt is not recorded.
	Allow(key string) bool
}

// SessionStore is the part of conversation.Store the pipeline uses.
type SessionStore interface {
	GetOrCreate(ctx context.Context, key, username string) (conversation.Session, error)
	AppendTurn(ctx context.Context, key string, turn conversation.Turn) error
}

var _ SessionStore = (*conversation.Store)(nil)
