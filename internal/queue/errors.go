package queue

import (
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	// ErrAdmissionRejected indicates the user exceeded the rate limit. The
	// message is dropped without a reply.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrGeneration indicates the AI backend failed or timed out.
	ErrGeneration = errors.New("generation failed")

	// ErrDeliveryFailed indicates the reply could not be delivered after
	// all retries.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrShutdownInProgress indicates the queue no longer accepts messages.
	ErrShutdownInProgress = errors.New("shutdown in progress")
)

// MessageError ties a pipeline failure to the message that caused it.
type MessageError struct {
	Err       error
	MessageID string
	UserKey   string
}

// Error implements the error interface.
func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s from %s: %v", e.MessageID, e.UserKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *MessageError) Unwrap() error {
	return e.Err
}

func messageError(msg PendingMessage, err error) error {
	if err == nil {
		return nil
	}
	return &MessageError{MessageID: msg.ID, UserKey: msg.UserKey, Err: err}
}
