package internal

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors in the internal package
var (
	// ErrEmptyStore is returned by MessageStore.LastLine before the first Append.
	ErrEmptyStore = errors.New("message store is empty")

	// ErrSessionClosed is returned when delivering to a session that is no longer alive.
	ErrSessionClosed = errors.New("session is closed")

	// ErrOutboxFull is returned when a session cannot keep up with the broadcast rate.
	ErrOutboxFull = errors.New("session outbox is full")

	// ErrNotListening is returned when a connection arrives after shutdown has started.
	// The caller keeps ownership of the connection and must close it.
	ErrNotListening = errors.New("broker is not accepting connections")
)

// ConnectFailure is a transport-level failure to accept a connection.
// It never stops the accept loop.
type ConnectFailure struct {
	Addr string
	Err  error
}

func (e *ConnectFailure) Error() string {
	return fmt.Sprintf("accept on %s: %v", e.Addr, e.Err)
}

func (e *ConnectFailure) Unwrap() error {
	return e.Err
}

// SessionIOFailure is a read or write failure on an established connection.
// It only ever deregisters the session it happened on.
type SessionIOFailure struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionIOFailure) Error() string {
	return fmt.Sprintf("session %s %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionIOFailure) Unwrap() error {
	return e.Err
}

// BindFailure means the listening address cannot be bound. Fatal for the server.
type BindFailure struct {
	Addr string
	Err  error
}

func (e *BindFailure) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindFailure) Unwrap() error {
	return e.Err
}
