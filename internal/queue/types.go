package queue

import (
	"time"

	"github.com/google/uuid"
)

// PendingMessage is an inbound message waiting for a worker. It is created by
// the transport, consumed exactly once, and never mutated.
type PendingMessage struct {
	ReceivedAt time.Time
	ID         string
	UserKey    string // Stable per-user partition key
	Username   string // Display name recorded on first contact
	ChatRef    string // Where replies are delivered
	Text       string
}

// NewPendingMessage creates a message stamped with a fresh ID and the
// current time.
func NewPendingMessage(userKey, username, chatRef, text string) PendingMessage {
	return PendingMessage{
		ID:         uuid.NewString(),
		UserKey:    userKey,
		Username:   username,
		ChatRef:    chatRef,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

// Mode selects how replies are produced.
type Mode string

const (
	// ModeWhole waits for the complete reply and sends it once.
	ModeWhole Mode = "whole"
	// ModeStream persists and sends each reply fragment as it arrives.
	ModeStream Mode = "stream"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeWhole || m == ModeStream
}

// Pool defaults.
const (
	DefaultPoolSize        = 20
	DefaultQueueCapacity   = 100
	DefaultGenerateTimeout = 60 * time.Second
	DefaultDeliveryTimeout = 15 * time.Second
	DefaultTypingInterval  = 4 * time.Second
	DefaultFallbackText    = "Oops! Something went wrong. Please try again later."
)
