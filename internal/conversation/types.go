package conversation

import (
	"errors"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser marks a turn written by the user.
	RoleUser Role = "user"
	// RoleModel marks a turn produced by the AI backend.
	RoleModel Role = "model"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Turn is one immutable message in a conversation.
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
}

// NewTurn creates a turn stamped with the current time.
func NewTurn(role Role, text string) Turn {
	return Turn{Role: role, Text: text, Timestamp: time.Now()}
}

// Session is a point-in-time view of an active session handed to callers.
// History is a copy; Handle stays owned by the Store.
type Session struct {
	LastActive time.Time
	Handle     Handle
	Key        string
	History    []Turn
}

var (
	// ErrNoSnapshot indicates no session snapshot is stored for a user.
	ErrNoSnapshot = errors.New("no session snapshot")

	// ErrPersistence indicates the durable store rejected a write.
	ErrPersistence = errors.New("persistence failure")

	// ErrGeneration indicates the AI backend could not serve the session.
	ErrGeneration = errors.New("generation failure")
)
