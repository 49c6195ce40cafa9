// Package storage provides the durable backends behind conversation.Gateway:
// an in-memory store for tests and single-process use, Redis, and a SQL
// store for PostgreSQL.
package storage

import (
	"errors"

	"github.com/Veraticus/chatrelay/internal/conversation"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("storage closed")

var (
	_ conversation.Gateway = (*Memory)(nil)
	_ conversation.Gateway = (*Redis)(nil)
	_ conversation.Gateway = (*SQL)(nil)
)
