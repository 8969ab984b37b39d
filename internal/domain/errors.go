package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session and send failures.
type ErrorKind string

const (
	ErrUnauthenticatedKind     ErrorKind = "Unauthenticated"
	ErrTransportKind           ErrorKind = "TransportError"
	ErrJoinRejectedKind        ErrorKind = "JoinRejected"
	ErrConnectionExhaustedKind ErrorKind = "ConnectionExhausted"
	ErrSendTimeoutKind         ErrorKind = "SendTimeout"
)

var (
	ErrUnauthenticated  = errors.New("no credential available")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrNotConnected     = errors.New("transport not connected")
	ErrHandleClosed     = errors.New("transport handle already disconnected")
	ErrSessionClosed    = errors.New("session closed")
	ErrSessionTerminal  = errors.New("session is in a terminal state")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrEmptyContent     = errors.New("message content is empty")
)

// SessionError is the value behind a session's LastError.
type SessionError struct {
	Kind   ErrorKind
	Reason string
}

func (e *SessionError) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// NewSessionError builds a SessionError from a kind and an optional cause.
func NewSessionError(kind ErrorKind, cause error) *SessionError {
	e := &SessionError{Kind: kind}
	if cause != nil {
		e.Reason = cause.Error()
	}
	return e
}

// KindOf extracts the ErrorKind of err, or "" when err is not a SessionError.
func KindOf(err error) ErrorKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
