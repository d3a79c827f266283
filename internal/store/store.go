// ABOUTME: Store interface and data types for chat session history persistence.
// ABOUTME: Defines Turn records and the Store interface shared by SQLite and memory backends.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Turn role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one user or assistant message within a session's history.
type Turn struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store defines the interface for session history persistence.
//
// AppendTurns appends one or more turns to a session as a single logical
// operation: either every turn lands or none do. ListTurns returns the
// session's turns in original order; an unknown session yields an empty
// slice, not an error.
type Store interface {
	AppendTurns(ctx context.Context, sessionID string, turns []Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	ListSessions(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store
	Close() error
}
